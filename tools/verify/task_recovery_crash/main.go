// Command task_recovery_crash checks that agent tasks claimed by a process
// that dies are returned to the queue. Run prepare, then claim-sleep and kill
// it with SIGKILL, then recover.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/persistence"
	"github.com/basket/haggle/internal/queue"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		svc := negotiation.NewService(store, negotiation.DefaultRules())
		item, err := svc.CreateItem(ctx, "drill-seller", negotiation.ItemInput{
			Title:         "Drill chair",
			AskingPrice:   decimal.NewFromInt(300),
			FurnitureType: "chair",
			Condition:     "good",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create item: %v\n", err)
			os.Exit(1)
		}
		n, o, err := svc.MakeOffer(ctx, item.ID, "drill-buyer", decimal.NewFromInt(250), "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "make offer: %v\n", err)
			os.Exit(1)
		}
		task, err := store.Enqueue(ctx, queue.Task{NegotiationID: n.ID, OfferID: o.ID, Priority: 50})
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "claim-sleep":
		task, err := store.DequeueNext(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim task: %v\n", err)
			os.Exit(1)
		}
		if task == nil {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", task.ID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		// Anything still processing belongs to the killed process.
		recovered, err := store.RecoverStale(ctx, time.Now().Add(time.Second))
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover stale tasks: %v\n", err)
			os.Exit(1)
		}
		stuck, total, err := store.ListTasks(ctx, queue.StatusProcessing, 100, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		for _, task := range stuck {
			fmt.Printf("TASK_STATUS id=%s status=%s attempts=%d\n", task.ID, task.Status, task.Attempts)
		}
		if total == 0 && recovered > 0 {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: tasks still processing after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
