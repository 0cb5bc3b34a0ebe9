// jarctl is the maintenance tool for the donation ledger. It talks to
// the same storage and wallet derivation code as the server, so a
// reconciled or restored wallet matches what the server would derive.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"nutjar/cashu"
	"nutjar/cashu/nuts/nut07"
	"nutjar/internal/config"
	"nutjar/wallet"
	"nutjar/wallet/storage"
)

func main() {
	app := &cli.App{
		Name:  "jarctl",
		Usage: "maintenance tool for the nutjar donation ledger",
		Commands: []*cli.Command{
			walletsCmd,
			reconcileCmd,
			restoreCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openDB() (*storage.BoltDB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.InitBolt(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

var walletsCmd = &cli.Command{
	Name:   "wallets",
	Usage:  "list all known wallets and their balances",
	Action: listWallets,
}

func listWallets(ctx *cli.Context) error {
	db, _, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	wallets, err := db.Wallets()
	if err != nil {
		return err
	}
	if len(wallets) == 0 {
		fmt.Println("no wallets yet")
		return nil
	}

	keysets, err := db.GetKeysets()
	if err != nil {
		return err
	}

	for _, walletId := range wallets {
		records, err := db.AllProofs(walletId)
		if err != nil {
			return err
		}

		var unspent, pending, spent uint64
		for _, record := range records {
			switch record.State {
			case nut07.Unspent:
				unspent += record.Amount
			case nut07.Pending:
				pending += record.Amount
			case nut07.Spent:
				spent += record.Amount
			}
		}
		fmt.Printf("%v: balance %v (pending %v, lifetime spent %v)\n",
			walletId, unspent, pending, spent)

		for mintURL, mintKeysets := range keysets {
			if !strings.HasPrefix(walletId, mintURL+"/") {
				continue
			}
			for keysetId := range mintKeysets {
				fmt.Printf("  keyset: %v\n", keysetId)
			}
		}
	}
	return nil
}

func mintUnitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "mint", Usage: "mint url of the wallet", Required: true},
		&cli.StringFlag{Name: "unit", Usage: "currency unit of the wallet", Value: "sat"},
	}
}

func loadWallet(ctx *cli.Context) (*wallet.Wallet, *storage.BoltDB, error) {
	db, cfg, err := openDB()
	if err != nil {
		return nil, nil, err
	}

	w, err := wallet.LoadWallet(context.Background(), wallet.Config{
		Mnemonic: cfg.Mnemonic,
		MintURL:  ctx.String("mint"),
		Unit:     cashu.Unit(ctx.String("unit")),
		DB:       db,
		Timeout:  cfg.Timeout(),
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return w, db, nil
}

var reconcileCmd = &cli.Command{
	Name:   "reconcile",
	Usage:  "reconcile local proof states against the mint",
	Flags:  mintUnitFlags(),
	Action: reconcile,
}

func reconcile(ctx *cli.Context) error {
	w, db, err := loadWallet(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := w.Reconcile(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("marked spent: %v\nreleased from pending: %v\n",
		result.MarkedSpent, result.Released)

	balance, err := w.Balance()
	if err != nil {
		return err
	}
	fmt.Printf("balance: %v %v\n", balance, w.Unit())
	return nil
}

var restoreCmd = &cli.Command{
	Name:   "restore",
	Usage:  "restore the deterministic derivation counter from the mint",
	Flags:  mintUnitFlags(),
	Action: restore,
}

func restore(ctx *cli.Context) error {
	w, db, err := loadWallet(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	counter, err := w.RestoreCounter(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("derivation counter set to %v\n", counter)
	return nil
}
