// Command token mints bearer tokens for operators, e.g. the first admin.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"adhesion.org/internal/auth"
	"adhesion.org/internal/config"
)

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	var roles []string
	switch os.Args[1] {
	case "admin":
		roles = []string{auth.RoleAdmin}
	case "member":
		roles = []string{auth.RoleMember}
	default:
		usage()
	}
	subject := strings.TrimSpace(os.Args[2])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	ttl := cfg.TokenTTL
	if len(os.Args) > 3 {
		if ttl, err = time.ParseDuration(os.Args[3]); err != nil {
			fmt.Fprintf(os.Stderr, "ttl: %v\n", err)
			os.Exit(1)
		}
	}

	signer, err := auth.NewSigner(cfg.AuthSecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signer: %v\n", err)
		os.Exit(1)
	}
	token, expires, err := signer.GenerateToken(subject, roles, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s admin|member <subject-id> [ttl]\n", os.Args[0])
	os.Exit(1)
}
