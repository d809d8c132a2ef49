package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/markb/livesync/internal/feed"
)

const devJWTSecret = "super-secret-jwt-key-please-change-in-production"

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long:  `Commands for managing feed API keys.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate anon and service_role API keys",
	Long:  `Generates anon and service_role API keys signed with the configured JWT secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		secret := jwtSecret(cfg.Server.JWTSecret)

		anonKey, err := generateAPIKey(secret, feed.RoleAnon)
		if err != nil {
			return fmt.Errorf("failed to generate anon key: %w", err)
		}
		serviceKey, err := generateAPIKey(secret, feed.RoleService)
		if err != nil {
			return fmt.Errorf("failed to generate service key: %w", err)
		}

		fmt.Printf("LIVESYNC_ANON_KEY=%s\n", anonKey)
		fmt.Printf("LIVESYNC_SERVICE_KEY=%s\n", serviceKey)
		return nil
	},
}

// jwtSecret falls back to the development secret with a warning.
func jwtSecret(configured string) string {
	if configured != "" {
		return configured
	}
	fmt.Fprintln(os.Stderr, "Warning: Using default JWT secret. Set LIVESYNC_JWT_SECRET in production.")
	return devJWTSecret
}

func generateAPIKey(secret, role string) (string, error) {
	claims := jwt.MapClaims{
		"role": role,
		"iss":  "livesync",
		"iat":  time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
}
