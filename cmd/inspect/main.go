// Command inspect dumps the key-space layout of a node's store: row
// counts and byte sizes per namespace, per-collection document and
// tombstone counts, sequence high water marks and index entry counts.
// It opens pebble read-only and must not run against a live node's
// open store.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/dustin/go-humanize"

	"holocron/pkg/state"
	"holocron/pkg/store"
)

type nsStat struct {
	keys  int64
	bytes int64
}

type collStat struct {
	docs       int64
	tombstones int64
	seq        uint64
}

func main() {
	var dbPath string
	var storeDir string
	flag.StringVar(&dbPath, "db", "./.holocron", "node data path (store resolved underneath)")
	flag.StringVar(&storeDir, "store", "", "explicit pebble dir, overrides -db")
	flag.Parse()

	dir := storeDir
	if dir == "" {
		dir = state.PathsFor(dbPath).Store
	}

	pdb, err := pebble.Open(dir, &pebble.Options{ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", dir, err)
		os.Exit(1)
	}
	defer pdb.Close()

	iter, err := pdb.NewIter(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iterate: %v\n", err)
		os.Exit(1)
	}
	defer iter.Close()

	namespaces := map[string]*nsStat{}
	colls := map[string]*collStat{}
	indexes := map[string]int64{}
	var totalKeys, totalBytes int64

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		size := int64(len(iter.Key()) + len(iter.Value()))
		totalKeys++
		totalBytes += size

		ns := key
		if i := strings.IndexByte(key, ':'); i >= 0 {
			ns = key[:i]
		}
		st := namespaces[ns]
		if st == nil {
			st = &nsStat{}
			namespaces[ns] = st
		}
		st.keys++
		st.bytes += size

		// collection and index names are colon-free, so the first
		// segments split reliably even though encoded index values and
		// document ids may contain colons
		parts := strings.SplitN(key, ":", 4)
		switch ns {
		case "doc":
			if len(parts) < 3 {
				continue
			}
			cs := collFor(colls, parts[1])
			var body struct {
				Deleted bool `json:"_deleted"`
			}
			if json.Unmarshal(iter.Value(), &body) == nil && body.Deleted {
				cs.tombstones++
			} else {
				cs.docs++
			}
		case "seqctr":
			if len(parts) < 2 {
				continue
			}
			if seq, err := store.ParseSeq(string(iter.Value())); err == nil {
				collFor(colls, parts[1]).seq = seq
			}
		case "idx":
			if len(parts) < 3 {
				continue
			}
			indexes[parts[1]+"/"+parts[2]]++
		}
	}
	if err := iter.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "iterate: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("store: %s\n\n", dir)

	fmt.Println("namespaces:")
	for _, ns := range sortedKeys(namespaces) {
		st := namespaces[ns]
		fmt.Printf("  %-8s %12s keys  %10s\n", ns+":", humanize.Comma(st.keys), humanize.Bytes(uint64(st.bytes)))
	}

	if len(colls) > 0 {
		fmt.Println("\ncollections:")
		for _, name := range sortedKeys(colls) {
			cs := colls[name]
			fmt.Printf("  %-14s docs=%s tombstones=%s seq=%d\n",
				name, humanize.Comma(cs.docs), humanize.Comma(cs.tombstones), cs.seq)
		}
	}

	if len(indexes) > 0 {
		fmt.Println("\nindexes:")
		for _, name := range sortedKeys(indexes) {
			fmt.Printf("  %-38s %s entries\n", name, humanize.Comma(indexes[name]))
		}
	}

	fmt.Printf("\ntotal: %s keys, %s\n", humanize.Comma(totalKeys), humanize.Bytes(uint64(totalBytes)))
}

func collFor(m map[string]*collStat, name string) *collStat {
	cs := m[name]
	if cs == nil {
		cs = &collStat{}
		m[name] = cs
	}
	return cs
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
