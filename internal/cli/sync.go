package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/szaharov/caljournal/internal/common"
	"github.com/szaharov/caljournal/internal/syncer"
)

// Login walks through the authorization-code flow: the user opens the
// printed URL in a browser and pastes the callback URL back here.
func (a *App) Login(ctx context.Context) {
	redirectURL, _, err := a.session.BeginAuthorization()
	if err != nil {
		fmt.Println("Error:", err)
		return
	}

	fmt.Println("Open this URL in your browser and authorize:")
	fmt.Println(" ", redirectURL)

	pasted, err := GetSimpleText(a.reader, "Paste the full callback URL:", a.out())
	if err != nil {
		fmt.Println("Error:", err)
		return
	}

	code, state, err := parseCallback(pasted)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}

	if _, err := a.session.ExchangeCode(ctx, code, state); err != nil {
		var authErr *common.AuthError
		if errors.As(err, &authErr) {
			fmt.Println("Authorization failed:", authErr.Reason)
			return
		}
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("Signed in.")
}

func parseCallback(raw string) (code, state string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("not a valid callback URL: %w", err)
	}
	q := u.Query()
	code, state = q.Get("code"), q.Get("state")
	if code == "" {
		return "", "", errors.New("callback URL carries no code parameter")
	}
	return code, state, nil
}

func (a *App) Logout() {
	a.session.SignOut()
	fmt.Println("Signed out.")
}

func (a *App) Refresh(ctx context.Context) {
	if a.session.ManualRefresh(ctx) {
		fmt.Println("Token refreshed.")
		return
	}
	fmt.Println("Refresh failed, please log in again.")
}

// Sync runs one user-invoked cycle and reports the outcome.
func (a *App) Sync(ctx context.Context) {
	res := a.orch.SyncNow(ctx)
	switch res.Status {
	case syncer.StatusOK:
		if res.Pushed {
			fmt.Println("Synced, snapshot pushed.")
		} else {
			fmt.Println("Synced, nothing to push.")
		}
	case syncer.StatusSkipped:
		fmt.Println("Sync skipped:", res.Reason)
	case syncer.StatusError:
		switch {
		case errors.Is(res.Err, common.ErrNetwork):
			fmt.Println("Network trouble, will retry on the next cycle.")
		case errors.Is(res.Err, common.ErrDecryption):
			fmt.Println("Wrong passphrase for the remote snapshot.")
		case errors.Is(res.Err, common.ErrVersion):
			fmt.Println("Remote snapshot needs a newer app version.")
		default:
			fmt.Println("Sync failed:", res.Err)
		}
	}
}

// Passphrase sets or clears the passphrase protecting the cloud snapshot.
// The orchestrator keeps the bytes for subsequent cycles, so they are not
// wiped here.
func (a *App) Passphrase() {
	pass, err := GetPassphrase(a.out(), "Cloud snapshot passphrase (empty for plaintext): ")
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	a.orch.SetPassphrase(pass)
	if len(pass) == 0 {
		fmt.Println("Cloud snapshots will be pushed unencrypted.")
		return
	}
	fmt.Println("Cloud snapshots will be encrypted from the next sync on.")
}

// Export writes an encrypted snapshot of the whole journal to a file.
func (a *App) Export(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: export <file>")
		return
	}

	passphrase, err := GetPassphrase(a.out(), "Snapshot passphrase (empty for plaintext): ")
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	defer common.WipeByteArray(passphrase)

	tables, err := a.store.Tables(ctx)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	data, err := a.codec.Export(tables, passphrase)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if err := os.WriteFile(args[0], data, 0o600); err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("Exported to", args[0])
}

// Import merges a snapshot file into the journal using the same rules as a
// sync cycle. Nothing is written if parsing or decryption fails.
func (a *App) Import(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: import <file>")
		return
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Println("Error:", err)
		return
	}

	passphrase, err := GetPassphrase(a.out(), "Snapshot passphrase (empty if plaintext): ")
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	defer common.WipeByteArray(passphrase)

	snap, err := a.codec.Import(data, passphrase)
	if err != nil {
		switch {
		case errors.Is(err, common.ErrDecryption):
			fmt.Println("Wrong passphrase or corrupted snapshot.")
		case errors.Is(err, common.ErrVersion):
			fmt.Println("Snapshot was made by a newer app version.")
		default:
			fmt.Println("Error:", err)
		}
		return
	}

	local, err := a.store.Tables(ctx)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	merged, err := syncer.MergeTables(local, snap.Tables)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if err := a.store.ReplaceAll(ctx, merged); err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("Imported and merged.")
}
