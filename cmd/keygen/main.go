// keygen issues a new gateway API key and prints its sha256 hash for the
// api_keys table. The raw key is shown exactly once; only the prefix and the
// last four characters should ever be displayed afterwards.
package main

import (
	"fmt"
	"log"

	"github.com/modelmesh/api-gateway/internal/gateway/auth"
)

func main() {
	key, err := auth.GenerateKey()
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}

	fmt.Printf("API Key:    %s\n", key.Key)
	fmt.Printf("Key Hash:   %s\n", key.Hash)
	fmt.Printf("Prefix:     %s\n", key.Prefix)
	fmt.Printf("Last Chars: %s\n", key.LastChars)
	fmt.Println()
	fmt.Println("Store the hash, prefix and last chars in api_keys; hand the raw key to the caller now.")
}
