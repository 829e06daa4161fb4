package main

import (
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"pagesync/config/database"
	"pagesync/internal/access"
	docrepo "pagesync/internal/document/repository"
	"pagesync/pkg/logger"
	"pagesync/router"
	"pagesync/socket"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables from OS")
	}

	logger.Init()
	defer logger.Log.Sync()

	db := database.Connect()
	defer db.Close()

	store := docrepo.NewDocumentRepository(db)
	validator := access.NewValidator(db)

	hub := socket.NewHub(store, validator)
	go hub.Run()
	go hub.SaveWorker()

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logger.Sugar.Infof("pagesync listening on %s", addr)
	if err := http.ListenAndServe(addr, router.Setup(db, hub)); err != nil {
		logger.Sugar.Fatalf("Server error: %v", err)
	}
}
