package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

func (a *App) Main(ctx context.Context) {
	fmt.Println("caljournal (type 'help' for commands)")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Printf("%s > ", a.promptTag())
		if !scanner.Scan() {
			break
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "help":
			a.Help()
		case "add":
			a.Add(ctx, args)
		case "list":
			a.List(ctx, args)
		case "edit":
			a.Edit(ctx, args)
		case "delete":
			a.Delete(ctx, args)
		case "water":
			a.Water(ctx, args)
		case "weight":
			a.Weight(ctx, args)
		case "login":
			a.Login(ctx)
		case "logout":
			a.Logout()
		case "refresh":
			a.Refresh(ctx)
		case "sync":
			a.Sync(ctx)
		case "passphrase":
			a.Passphrase()
		case "export":
			a.Export(ctx, args)
		case "import":
			a.Import(ctx, args)
		case "status":
			a.Status(ctx)
		case "exit", "quit":
			fmt.Println("Bye!")
			return
		default:
			fmt.Println("Unknown command:", cmd)
		}
	}
}

func (a *App) Help() {
	fmt.Println(`Commands:
  add <table>            add a record (prompts for fields)
  edit <table> <id>      patch a record's fields
  list <table>           list live records of a table
  delete <table> <id>    soft-delete a record
  water <ml>             quick-add a water entry
  weight <kg>            quick-add a weight measurement
  login                  authorize the backup account
  logout                 sign out and forget tokens
  refresh                refresh the access token now
  sync                   run a sync cycle now
  passphrase             set the passphrase encrypting cloud snapshots
  export <file>          write an encrypted snapshot to a file
  import <file>          merge a snapshot file into the journal
  status                 show session and sync state
  exit                   quit`)
}
