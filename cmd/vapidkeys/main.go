package main

import (
	"fmt"
	"log"
	"os"

	"github.com/npezzotti/go-chatrelay/internal/webpush"
)

func main() {
	logger := log.New(os.Stderr, "[vapidkeys] ", log.LstdFlags)

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		logger.Fatal("generate keys:", err)
	}

	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
}
