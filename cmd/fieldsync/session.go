package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fieldrep/fieldsync/internal/session"
	"github.com/fieldrep/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "session",
	Short:   "Log in with a scanned onboarding credential",
	Long: `Log in to the sales server.

The credential is the JSON payload of the onboarding QR code:

  {"endpoint": "https://sales.example.com", "code": "K7P-22Q"}

A bare code is accepted together with --endpoint. Without --credential the
code is prompted for. Logging in opens (or creates) the database of that
tenant; a previous tenant's database stays on disk untouched.`,
	Run: func(cmd *cobra.Command, args []string) {
		raw, _ := cmd.Flags().GetString("credential")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		user, _ := cmd.Flags().GetString("user")

		if raw == "" {
			var err error
			raw, err = ui.PromptCredential(os.Stdin)
			if err != nil {
				fatalf("%v", err)
			}
		}
		cred, err := parseCredential(raw, endpoint, user)
		if err != nil {
			fatalf("%v", err)
		}

		a := mustApp(cmd.Context(), false)
		defer a.close()

		sess, err := a.guard.Login(cmd.Context(), cred)
		if err != nil {
			exitOnOpenError(fmt.Errorf("login failed: %w", err))
		}

		fmt.Printf("%s Logged in as %s\n", ui.RenderPass("✓"), sess.DisplayName)
		fmt.Print(ui.Fields(
			ui.Field{Key: "Tenant", Value: sess.TenantID},
			ui.Field{Key: "Server", Value: sess.Endpoint},
			ui.Field{Key: "Session", Value: sess.ID},
		))
		fmt.Printf("\nRun 'fieldsync pull' to download customers and the catalog.\n")
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "session",
	Short:   "End the session (keeps local data unless --wipe)",
	Long: `End the current session.

Customers, orders and receipts stay in the local database and are pushed after
the next login. --wipe also deletes the tenant database, including anything
not yet synchronized.`,
	Run: func(cmd *cobra.Command, args []string) {
		wipe, _ := cmd.Flags().GetBool("wipe")
		yes, _ := cmd.Flags().GetBool("yes")

		a := mustApp(cmd.Context(), false)
		defer a.close()

		if err := a.resume(cmd.Context()); err != nil && !errors.Is(err, errNotLoggedIn) {
			exitOnOpenError(err)
		}

		if wipe {
			if st, err := a.store.Stats(cmd.Context()); err == nil && st.Pending() > 0 && !yes {
				ok, err := ui.Confirm(fmt.Sprintf("%d rows have not been synced. Delete them?", st.Pending()), false)
				if err != nil {
					fatalf("%v", err)
				}
				if !ok {
					fmt.Println("Aborted.")
					return
				}
			}
		}

		if err := a.guard.Logout(cmd.Context(), wipe); err != nil {
			fatalf("%v", err)
		}
		if wipe {
			fmt.Printf("%s Logged out and removed the local database\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("%s Logged out. Local data is kept for the next login.\n", ui.RenderPass("✓"))
	},
}

// parseCredential accepts either the JSON QR payload or a bare code.
func parseCredential(raw, endpoint, user string) (session.Credential, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		cred, err := session.ParseCredential([]byte(raw))
		if err != nil {
			return session.Credential{}, err
		}
		if user != "" {
			cred.User = user
		}
		return cred, nil
	}
	cred := session.Credential{Endpoint: strings.TrimSpace(endpoint), Code: raw, User: user}
	if cred.Endpoint == "" {
		return session.Credential{}, fmt.Errorf("%w: --endpoint is required with a bare code", session.ErrInvalidCredential)
	}
	return cred, cred.Validate()
}

func init() {
	loginCmd.Flags().String("credential", "", "Credential payload or code")
	loginCmd.Flags().String("endpoint", "", "Server endpoint, when the credential is a bare code")
	loginCmd.Flags().String("user", "", "Local tenant name (default: the server's entity id)")

	logoutCmd.Flags().Bool("wipe", false, "Also delete the tenant database")
	logoutCmd.Flags().BoolP("yes", "y", false, "Do not ask before deleting unsynced rows")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
