package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"chunkclaim.dev/internal/claim"
	"chunkclaim.dev/internal/claim/store"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "scan":
			scanCmd(os.Args[2:])
			return
		case "history":
			historyCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "stats":
			statsCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: claimadmin <scan|history|audit|stats> [flags]")
	os.Exit(2)
}

func openStore(path string) *store.Store {
	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	return st
}

// scanCmd walks every claim row and reports integrity violations: village
// claims pointing at missing or inactive villages, and rows that fail to
// round-trip through the key encoding.
func scanCmd(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	dbPath := fs.String("db", "./data/claims.db", "sqlite database path")
	_ = fs.Parse(args)

	st := openStore(*dbPath)
	defer st.Close()

	ctx := context.Background()
	claims, err := st.LoadAll(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load claims:", err)
		os.Exit(1)
	}

	villageState := map[int64]*claim.Village{}
	problems := 0
	for _, c := range claims {
		id, ok := c.Kind.VillageID()
		if !ok {
			continue
		}
		v, seen := villageState[id]
		if !seen {
			v, err = st.Village(ctx, id)
			if err != nil {
				fmt.Fprintln(os.Stderr, "read village:", err)
				os.Exit(1)
			}
			villageState[id] = v
		}
		switch {
		case v == nil:
			problems++
			fmt.Printf("BAD %s: village %d does not exist\n", c.Key, id)
		case !v.Active:
			problems++
			fmt.Printf("BAD %s: village %d (%s) is disbanded\n", c.Key, id, v.Name)
		}
	}

	fmt.Printf("scanned %d claims, %d villages referenced, %d problems\n",
		len(claims), len(villageState), problems)
	if problems > 0 {
		os.Exit(1)
	}
}

func historyCmd(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dbPath := fs.String("db", "./data/claims.db", "sqlite database path")
	since := fs.Uint64("since", 0, "start after this ledger cursor")
	limit := fs.Int("limit", 100, "max entries to print")
	_ = fs.Parse(args)

	st := openStore(*dbPath)
	defer st.Close()

	records, err := st.HistorySince(context.Background(), *since, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read history:", err)
		os.Exit(1)
	}
	for _, r := range records {
		actor := "system"
		if r.ActorID != nil {
			actor = r.ActorID.String()
		}
		fmt.Printf("%d\t%s\t%s\tprev=%s actor=%s reason=%s\n",
			r.ID, r.At.Format("2006-01-02T15:04:05Z"), r.Key, r.PreviousOwnerID, actor, r.Reason)
	}
}

// auditCmd replays the compressed audit JSONL the server writes, optionally
// filtered by op.
func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	auditDir := fs.String("dir", "./data/audit", "audit log directory")
	op := fs.String("op", "", "only print this op (CLAIM, UNCLAIM, TRANSFER, CONVERT, DISBAND)")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(*auditDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read dir:", err)
		os.Exit(1)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl.zst") {
			continue
		}
		files = append(files, filepath.Join(*auditDir, e.Name()))
	}
	sort.Strings(files)

	for _, path := range files {
		if err := dumpAuditFile(path, *op); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			os.Exit(1)
		}
	}
}

func dumpAuditFile(path, opFilter string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e claim.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		if opFilter != "" && e.Op != opFilter {
			continue
		}
		fmt.Printf("%s\t%s\t%s:%d:%d\towner=%s actor=%s reason=%s\n",
			e.At.Format("2006-01-02T15:04:05Z"), e.Op, e.World, e.ChunkX, e.ChunkZ,
			e.OwnerName, e.ActorID, e.Reason)
	}
	return sc.Err()
}

func statsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dbPath := fs.String("db", "./data/claims.db", "sqlite database path")
	_ = fs.Parse(args)

	st := openStore(*dbPath)
	defer st.Close()

	claims, err := st.LoadAll(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "load claims:", err)
		os.Exit(1)
	}

	owners := map[string]int{}
	kinds := map[string]int{}
	worlds := map[string]int{}
	for _, c := range claims {
		owners[c.Owner.ID.String()]++
		kinds[c.Kind.Tag().String()]++
		worlds[c.Key.World]++
	}

	fmt.Printf("claims: %d\n", len(claims))
	fmt.Printf("owners: %d\n", len(owners))
	for _, k := range sortedKeys(kinds) {
		fmt.Printf("kind %s: %d\n", k, kinds[k])
	}
	for _, w := range sortedKeys(worlds) {
		fmt.Printf("world %s: %d\n", w, worlds[w])
	}
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
