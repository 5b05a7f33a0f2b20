// Command ledgerctl inspects and verifies a quorumledger database offline.
//
//	ledgerctl [-config file] [-driver sqlite -dsn path] verify
//	ledgerctl ... blocks [-page n -size n]
//	ledgerctl ... record <id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/gyaneshwarpardhi/quorumledger/internal/approval"
	"github.com/gyaneshwarpardhi/quorumledger/internal/config"
	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
	"github.com/gyaneshwarpardhi/quorumledger/internal/event"
	"github.com/gyaneshwarpardhi/quorumledger/internal/ledger"
	"github.com/gyaneshwarpardhi/quorumledger/internal/storage"
)

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitIntegrity = 2
	exitUsage     = 64
)

func main() {
	handler := pterm.NewSlogHandler(&pterm.DefaultLogger)
	slog.SetDefault(slog.New(handler))
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout))
}

func run(ctx context.Context, args []string, out io.Writer) int {
	pterm.SetDefaultOutput(out)

	fs := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	fs.SetOutput(out)
	cfgPath := fs.String("config", "", "Path to the server YAML config (storage section is used)")
	driver := fs.String("driver", "", "Storage driver: sqlite | postgres (overrides config)")
	dsn := fs.String("dsn", "", "Storage DSN (overrides config)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		pterm.Error.Println("missing command: verify | blocks | record <id>")
		return exitUsage
	}

	loader, err := config.NewLoader(*cfgPath, nil)
	if err != nil {
		pterm.Error.Printfln("load config: %v", err)
		return exitError
	}
	sc := loader.Config().Storage
	if *driver != "" {
		sc.Driver = *driver
	}
	if *dsn != "" {
		sc.DSN = *dsn
	}
	if sc.Driver == "memory" {
		pterm.Error.Println("storage driver is memory; nothing to inspect (set -driver and -dsn)")
		return exitUsage
	}

	store, err := storage.Open(ctx, sc.Driver, sc.DSN, slog.Default())
	if err != nil {
		pterm.Error.Printfln("open storage: %v", err)
		return exitError
	}
	defer store.Close()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "verify":
		return verify(ctx, store)
	case "blocks":
		return blocks(ctx, store, rest, out)
	case "record":
		if len(rest) != 1 {
			pterm.Error.Println("usage: record <id>")
			return exitUsage
		}
		return record(ctx, store, rest[0])
	}
	pterm.Error.Printfln("unknown command %q", cmd)
	return exitUsage
}

func verify(ctx context.Context, store *storage.SQLStore) int {
	pterm.Info.Println("verifying ledger")
	chain, pending, err := store.LoadChain(ctx)
	if err == nil {
		// Restore re-verifies every block, then checks the open events follow it.
		err = ledger.NewStore(ledger.Options{}).Restore(chain, pending)
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrIntegrityFailure) {
			pterm.Error.Printfln("integrity failure: %v", err)
			return exitIntegrity
		}
		pterm.Error.Println(err)
		return exitError
	}
	pterm.Success.Println("ledger verified")

	head := "genesis"
	if n := len(chain); n > 0 {
		head = chain[n-1].Hash.String()
	}
	pterm.DefaultBox.WithHorizontalPadding(2).Println(pterm.Sprintf(
		"blocks:  %d\nevents:  %d sealed, %d pending\nhead:    %s",
		len(chain), sealedEvents(chain), len(pending), head))
	return exitOK
}

func blocks(ctx context.Context, store *storage.SQLStore, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("blocks", flag.ContinueOnError)
	fs.SetOutput(out)
	page := fs.Int("page", 1, "1-based page")
	size := fs.Int("size", 20, "blocks per page")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	chain, _, err := store.LoadChain(ctx)
	if err != nil {
		pterm.Error.Printfln("load chain: %v", err)
		return exitError
	}
	if *page < 1 {
		*page = 1
	}
	if *size < 1 {
		*size = 20
	}
	n, total := *size, len(chain)
	start, end := total, total
	if *page-1 <= total/n {
		start = min((*page-1)*n, total)
		end = start + min(n, total-start)
	}

	data := pterm.TableData{{"#", "Sealed", "Events", "Hash", "Previous"}}
	for _, b := range chain[start:end] {
		data = append(data, []string{
			strconv.FormatUint(b.Number, 10),
			b.Timestamp.Format(time.RFC3339),
			strconv.Itoa(len(b.Events)),
			short(b.Hash.String()),
			short(b.PreviousHash.String()),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Error.Printfln("render: %v", err)
		return exitError
	}
	pterm.Info.Printfln("%d of %d blocks (page %d)", end-start, len(chain), *page)
	return exitOK
}

func record(ctx context.Context, store *storage.SQLStore, id string) int {
	records, err := store.LoadRecords(ctx)
	if err != nil {
		pterm.Error.Printfln("load records: %v", err)
		return exitError
	}
	var rec *approval.Record
	for _, r := range records {
		if r.ID == id {
			rec = r
			break
		}
	}
	if rec == nil {
		pterm.Error.Printfln("record %s not found", id)
		return exitError
	}
	chain, pending, err := store.LoadChain(ctx)
	if err != nil {
		pterm.Error.Printfln("load chain: %v", err)
		return exitError
	}

	t := rec.Tally()
	pterm.DefaultBox.WithTitle(rec.ID).WithHorizontalPadding(2).Println(pterm.Sprintf(
		"type:      %s\nstatus:    %s\namount:    %.2f\napprovals: %d of %d required (%d rejections)\nversion:   %d",
		rec.Type, statusStyle(rec.Status), rec.Amount, t.Approvals, t.Threshold, t.Rejections, rec.Version))

	data := pterm.TableData{{"Seq", "Kind", "Actor", "At", "Block"}}
	add := func(ev event.Event, block string) {
		if ev.RecordID != id {
			return
		}
		data = append(data, []string{
			strconv.FormatUint(ev.Sequence, 10),
			string(ev.Kind),
			ev.ActorID,
			ev.Timestamp.Format(time.RFC3339Nano),
			block,
		})
	}
	for _, b := range chain {
		for _, ev := range b.Events {
			add(ev, strconv.FormatUint(b.Number, 10))
		}
	}
	for _, ev := range pending {
		add(ev, "pending")
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Error.Printfln("render: %v", err)
		return exitError
	}
	return exitOK
}

func statusStyle(s approval.Status) string {
	switch {
	case s == approval.StatusRejected:
		return pterm.LightRed(s)
	case s == approval.StatusExecuted, s == approval.StatusApproved, s == approval.StatusApprovedPendingExec:
		return pterm.LightGreen(s)
	}
	return pterm.LightCyan(s)
}

func sealedEvents(chain []*ledger.Block) int {
	n := 0
	for _, b := range chain {
		n += len(b.Events)
	}
	return n
}

func short(h string) string {
	if len(h) <= 16 {
		return h
	}
	return fmt.Sprintf("%s…%s", h[:8], h[len(h)-6:])
}
