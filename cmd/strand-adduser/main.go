// Command strand-adduser creates or replaces an admin credential in the hub
// database. The password is read from stdin so it never lands in shell
// history or process listings.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/strandhub/strand/internal/auth"
	"github.com/strandhub/strand/internal/store"
)

func main() {
	dbPath := flag.String("db", "/var/lib/strand/hub.db", "path to the hub database")
	identifier := flag.String("user", "", "admin identifier to create or replace")
	flag.Parse()

	if *identifier == "" {
		fmt.Fprintln(os.Stderr, "usage: strand-adduser -user <identifier> [-db <path>]")
		os.Exit(2)
	}

	fmt.Fprint(os.Stderr, "Password: ")
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "read password: %v\n", err)
		os.Exit(1)
	}
	password = strings.TrimRight(password, "\r\n")

	s, err := store.Open(*dbPath, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	if err := auth.AddUser(s, *identifier, password); err != nil {
		fmt.Fprintf(os.Stderr, "add user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("user %q saved\n", *identifier)
}
