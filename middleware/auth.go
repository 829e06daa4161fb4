package middleware

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"pagesync/pkg/logger"
)

type contextKey string

const UserIDKey contextKey = "userID"

// SessionCookieName is where the browser keeps the long-lived session token.
const SessionCookieName = "session_token"

// AuthMiddleware guards REST endpoints. The session cookie wins over the
// Authorization header; the first source that is present is the one that gets
// validated.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if cookie, err := r.Cookie(SessionCookieName); err == nil {
			tokenString = cookie.Value
		}

		// Fallback to header for API clients without cookies.
		if tokenString == "" {
			authHeader := r.Header.Get("Authorization")
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if tokenString == "" {
			http.Error(w, "Unauthorized: No token provided", http.StatusUnauthorized)
			return
		}

		userID, err := ParseSessionToken(tokenString)
		if err != nil {
			logger.Sugar.Infof("Invalid session token: %v", err)
			http.Error(w, "Unauthorized: Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ParseSessionToken validates a session JWT and returns its subject user id.
func ParseSessionToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Only HMAC; reject tokens claiming any other signing method.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		jwtSecret := os.Getenv("SESSION_JWT_SECRET")
		if jwtSecret == "" {
			logger.Sugar.Error("SESSION_JWT_SECRET environment variable not set")
			return nil, fmt.Errorf("server is not configured to validate session tokens")
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("could not parse token claims")
	}
	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID (sub) claim is missing or invalid")
	}
	return userID, nil
}
