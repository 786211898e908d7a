// Command backup_restore_drill measures a live backup and a restore of a
// populated database and checks that no negotiation history is lost.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/persistence"
)

const negotiations = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "haggle-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "haggle.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	svc := negotiation.NewService(store, negotiation.DefaultRules())
	for i := 0; i < negotiations; i++ {
		item, err := svc.CreateItem(ctx, "drill-seller", negotiation.ItemInput{
			Title:         fmt.Sprintf("Drill table %d", i),
			AskingPrice:   decimal.NewFromInt(500),
			FurnitureType: "table",
			Condition:     "good",
		})
		if err != nil {
			fmt.Printf("create_item_error=%v\n", err)
			os.Exit(1)
		}
		n, _, err := svc.MakeOffer(ctx, item.ID, "drill-buyer", decimal.NewFromInt(400), "")
		if err != nil {
			fmt.Printf("make_offer_error=%v\n", err)
			os.Exit(1)
		}
		if _, _, err := svc.SubmitOffer(ctx, n.ID, "drill-seller", decimal.NewFromInt(460), "meet me halfway"); err != nil {
			fmt.Printf("counter_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	var negotiationCount, offerCount int
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM negotiations;`).Scan(&negotiationCount); err != nil {
		fmt.Printf("count_negotiations_error=%v\n", err)
		os.Exit(1)
	}
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM offers;`).Scan(&offerCount); err != nil {
		fmt.Printf("count_offers_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_negotiations=%d\n", negotiationCount)
	fmt.Printf("restored_offers=%d\n", offerCount)

	if negotiationCount < negotiations || offerCount < 2*negotiations {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
