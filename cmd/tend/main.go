package main

import (
	"log"

	"github.com/MrSnakeDoc/tend/internal/app"
)

func main() {
	if err := app.New().Run(); err != nil {
		log.Fatalf("❌ tend failed: %v", err)
	}
}
