// Command gen-token signs a development bearer token for board-server.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	platformauth "github.com/todo-1m/taskboard/internal/platform/auth"
	"github.com/todo-1m/taskboard/internal/platform/env"
)

func main() {
	userID := flag.String("user", "", "user id (token subject)")
	name := flag.String("name", "", "display name")
	email := flag.String("email", "", "email")
	role := flag.String("role", "", "role, e.g. admin")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if *userID == "" || *name == "" {
		fmt.Fprintln(os.Stderr, "usage: gen-token -user ID -name NAME [-email E] [-role admin] [-ttl 12h]")
		os.Exit(2)
	}
	manager := platformauth.NewManager(env.String("JWT_SECRET", env.DefaultJWTSecret), *ttl)
	token, err := manager.Sign(*userID, *name, *email, *role)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
