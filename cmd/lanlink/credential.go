package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stocker/lanlink/internal/security"
)

func hashCredentialCmd() *cobra.Command {
	var (
		password string
		cost     int
	)

	cmd := &cobra.Command{
		Use:   "hash-credential <username>",
		Short: "Print a host.accounts entry for a username and password",
		Long: `Print a host.accounts entry for a username and password.

The password is read from --password or, when that is empty, from the
first line of standard input. Only the bcrypt digest is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("empty password")
			}

			digest, err := security.DigestCredential(security.CredentialHash(username, password), cost)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(map[string]any{
				"host": map[string]any{
					"accounts": map[string]string{username: digest},
				},
			})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (read from stdin when empty)")
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (default 10)")
	return cmd
}
