// Package main provides a utility to check a provider's discovery document
// and print a sample authorization URL for development.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/tendant/simple-rp/internal/oidc"
	"github.com/tendant/simple-rp/internal/store/memory"
)

func main() {
	issuer := flag.String("issuer", os.Getenv("RP_ISSUER_URL"), "Provider issuer URL")
	discoveryURL := flag.String("discovery-url", os.Getenv("RP_DISCOVERY_URL"), "Discovery document URL (defaults to the issuer's well-known URL)")
	clientID := flag.String("client-id", os.Getenv("RP_CLIENT_ID"), "Client ID")
	redirectURI := flag.String("redirect-uri", os.Getenv("RP_REDIRECT_URI"), "Redirect URI")
	scopes := flag.String("scopes", "openid email profile", "Space separated scopes")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Parse()

	// Flow state is thrown away when the tool exits
	store := memory.NewStore()
	defer store.Close()

	client, err := oidc.NewClient(oidc.Config{
		ClientID:     *clientID,
		RedirectURI:  *redirectURI,
		Issuer:       strings.TrimSuffix(*issuer, "/"),
		DiscoveryURL: *discoveryURL,
		Scopes:       strings.Fields(*scopes),
		HTTPTimeout:  *timeout,
	}, store.States())
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2**timeout)
	defer cancel()

	md, err := client.Resolve(ctx)
	if err != nil {
		log.Fatalf("Failed to resolve provider metadata: %v", err)
	}

	out, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode metadata: %v", err)
	}
	fmt.Printf("Provider metadata:\n%s\n", out)

	authURL, state, err := client.BuildAuthorizationURL(ctx)
	if err != nil {
		log.Fatalf("Failed to build authorization URL: %v", err)
	}

	fmt.Println("\n=== Sample login ===")
	fmt.Printf("State: %s\n", state)
	fmt.Printf("Authorization URL:\n%s\n", authURL)
}
