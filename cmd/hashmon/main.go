// Command hashmon is a small terminal dashboard that queues the files under
// one -watch directory for hashing once at startup and renders live totals
// from a hashmanager.Manager (bytes and files left, speed, running hashers,
// pause state, store entry counts) plus each worker's current file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"k8s.io/klog/v2"

	"github.com/airdcpp/hashstore/config"
	"github.com/airdcpp/hashstore/events"
	"github.com/airdcpp/hashstore/hashmanager"
	"github.com/airdcpp/hashstore/store"
)

type nullOracle struct{}

func (nullOracle) IsPathShared(string) bool      { return true }
func (nullOracle) IsQueued(store.RootValue) bool { return false }

func main() {
	storeDir := flag.String("store", "", "directory the hash store database lives in (required)")
	watchDir := flag.String("watch", "", "directory to recursively queue for hashing on startup")
	threads := flag.Int("threads", 2, "maximum concurrent hasher workers")
	perVolume := flag.Int("hashers-per-volume", 1, "hasher workers per storage volume (0 = unlimited)")
	flag.Parse()

	if *storeDir == "" {
		fmt.Fprintln(os.Stderr, "hashmon: -store is required")
		os.Exit(2)
	}

	cfg := config.Resolve(
		config.WithMaxHashingThreads(*threads),
		config.WithHashersPerVolume(*perVolume),
	)

	st, err := store.Open(*storeDir, cfg, 0, nullOracle{}, nullOracle{})
	if err != nil {
		log.Fatalf("hashmon: open store: %v", err)
	}
	defer st.Close()

	if st.RepairScheduled() {
		klog.Warningf("hashmon: %s was marked for repair on last run; entry counts below may be approximate until the next optimize pass", *storeDir)
	}

	bus := events.NewBus(0, 0)
	defer bus.Close()

	mgr := hashmanager.New(st, bus, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *watchDir != "" {
		go enqueueTree(mgr, *watchDir)
	}

	app := tview.NewApplication()
	table := tview.NewTable().SetBorders(false).SetFixed(1, 0)
	table.SetBorder(true).SetTitle(" hashmon ")

	writeHeader(table)

	app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		switch ev.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlC:
			app.Stop()
			return nil
		}
		switch ev.Rune() {
		case 'q':
			app.Stop()
			return nil
		case 'p':
			mgr.PauseHashing()
			return nil
		case 'r':
			mgr.ResumeHashing(false)
			return nil
		}
		return ev
	})

	go pollStats(ctx, app, table, mgr, st)

	app.SetRoot(table, true)
	if err := app.Run(); err != nil {
		log.Fatalf("hashmon: %v", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		klog.Warningf("hashmon: shutdown: %v", err)
	}
}

func writeHeader(table *tview.Table) {
	headers := []string{"Metric", "Value"}
	for col, h := range headers {
		table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetExpansion(1))
	}
}

func pollStats(ctx context.Context, app *tview.Application, table *tview.Table, mgr *hashmanager.Manager, st *store.Store) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := mgr.Stats()
			dbStats, err := st.Stats(false)
			if err != nil {
				klog.Warningf("hashmon: store stats: %v", err)
			}
			app.QueueUpdateDraw(func() {
				render(table, s, dbStats)
			})
		}
	}
}

func render(table *tview.Table, s hashmanager.Stats, dbStats store.Stats) {
	rows := []struct {
		metric, value string
	}{
		{"Bytes left", fmt.Sprintf("%d", s.BytesLeft)},
		{"Files left", fmt.Sprintf("%d", s.FilesLeft)},
		{"Speed (B/s)", fmt.Sprintf("%d", s.Speed)},
		{"Hashers running", fmt.Sprintf("%d", s.HashersRunning)},
		{"Paused", fmt.Sprintf("%v", s.Paused)},
		{"Indexed files", fmt.Sprintf("%d", dbStats.FileCount)},
		{"Stored trees", fmt.Sprintf("%d", dbStats.TreeCount)},
	}
	for i, row := range rows {
		r := i + 1
		table.SetCell(r, 0, tview.NewTableCell(row.metric).SetExpansion(1))
		table.SetCell(r, 1, tview.NewTableCell(row.value).SetExpansion(1))
	}

	base := len(rows) + 2
	table.SetCell(base, 0, tview.NewTableCell("Current files").
		SetTextColor(tcell.ColorYellow).
		SetSelectable(false).
		SetExpansion(1))
	for i, cur := range s.CurrentFiles {
		table.SetCell(base+1+i, 0, tview.NewTableCell(cur).SetExpansion(2))
	}
}

func enqueueTree(mgr *hashmanager.Manager, root string) {
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mgr.HashFile(p, info.Size())
		return nil
	})
	if err != nil {
		klog.Warningf("hashmon: walk %s: %v", root, err)
	}
}
