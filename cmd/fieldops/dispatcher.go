package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"fieldops/store"
)

func dispatcherCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Manage dispatcher accounts used for manual overrides",
	}

	var password string
	setPassword := &cobra.Command{
		Use:   "set-password <username>",
		Short: "Create a dispatcher or replace their password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(password) < 8 {
				return fmt.Errorf("password must be at least 8 characters")
			}
			db, err := openDB(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			created, err := db.SetAdminPassword(cmd.Context(), args[0], string(hash))
			if err != nil {
				return fmt.Errorf("set password for %s: %w", args[0], err)
			}
			verb := "updated"
			if created {
				verb = "created"
			}
			fmt.Printf("dispatcher %s %s\n", color.New(color.Bold).Sprint(args[0]), color.New(color.FgGreen).Sprint(verb))
			return nil
		},
	}
	setPassword.Flags().StringVarP(&password, "password", "p", "", "new password (required)")
	setPassword.MarkFlagRequired("password")

	list := &cobra.Command{
		Use:   "list",
		Short: "List dispatcher accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()
			users, err := db.ListAdminUsers(cmd.Context())
			if err != nil {
				return fmt.Errorf("list dispatchers: %w", err)
			}
			if len(users) == 0 {
				fmt.Println("No dispatchers.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USERNAME\tCREATED")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\n", u.Username, u.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(setPassword, list)
	return cmd
}

func openDB(configPath string) (*store.DB, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
