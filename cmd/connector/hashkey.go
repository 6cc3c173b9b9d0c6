package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key",
	Short: "Hash a control API key for API_KEY_HASH",
	Long:  `Reads a key from stdin and prints its bcrypt hash.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cost, _ := cmd.Flags().GetInt("cost")
		key, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && key == "" {
			return fmt.Errorf("read key: %w", err)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return errors.New("empty key")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
		if err != nil {
			return err
		}
		fmt.Println(string(hash))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
	hashKeyCmd.Flags().Int("cost", bcrypt.DefaultCost, "bcrypt cost")
}
