package commands

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/IshanDwivedii/smtp-pool/internal/api"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hashkey [key]",
	Short: "Print the bcrypt hash of an API key for api.api_keys",
	Long: `Print the bcrypt hash of an API key. The key is read from the argument,
or from the first line of stdin when no argument is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := ""
		if len(args) == 1 {
			key = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no key given")
			}
			key = line
		}
		key = strings.TrimSpace(key)
		if len(key) < 16 {
			return errors.New("API keys must be at least 16 characters")
		}

		hash, err := api.HashAPIKey(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
