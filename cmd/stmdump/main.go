// Command stmdump is an example harness and debug export tool for a stm
// Region. It allocates a small region, commits one write transaction
// against it, and writes a one-shot snapshot of every committed segment
// into a bbolt file for offline inspection.
//
// The region itself never touches disk: durability is out of scope for the
// engine. stmdump only ever writes, never reads back, so the export can't
// leak back into the transactional core.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"

	"go.etcd.io/bbolt"

	"github.com/dreamsxin/stm"
)

var segmentsBucket = []byte("segments")

func main() {
	out := flag.String("out", "stmdump.db", "path of the bbolt snapshot file to write")
	size := flag.Int("size", 4096, "region size in bytes")
	align := flag.Int("align", 8, "region word alignment in bytes")
	flag.Parse()

	if err := run(*out, *size, *align); err != nil {
		log.Fatal(err)
	}
}

func run(out string, size, align int) error {
	r, err := stm.Create(size, align)
	if err != nil {
		return fmt.Errorf("create region: %w", err)
	}
	defer r.Destroy()

	if err := seedRegion(r, align); err != nil {
		return fmt.Errorf("seed region: %w", err)
	}

	db, err := bbolt.Open(out, 0600, nil)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer db.Close()

	return exportSnapshot(db, r)
}

// seedRegion runs one committed write transaction so the exported snapshot
// has something other than zero bytes in it.
func seedRegion(r *stm.Region, align int) error {
	tx, err := r.Begin(false)
	if err != nil {
		return err
	}
	buf := make([]byte, align)
	binary.LittleEndian.PutUint64(buf, 0xC0FFEE)
	if err := tx.Write(r.Start(), buf); err != nil {
		return err
	}
	if _, err := tx.End(); err != nil {
		return err
	}
	return nil
}

// exportSnapshot walks r's committed segments via the public API and writes
// each one's readable bytes into a single bbolt bucket, keyed by segment
// index. Base addresses are not stored.
func exportSnapshot(db *bbolt.DB, r *stm.Region) error {
	segs := r.DebugSegments()

	return db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(segmentsBucket)
		if err != nil {
			return err
		}

		for _, s := range segs {
			ro, err := r.Begin(true)
			if err != nil {
				return err
			}
			buf := make([]byte, s.Size)
			if err := ro.Read(s.Base, buf); err != nil {
				ro.End()
				return fmt.Errorf("read segment %d: %w", s.Index, err)
			}
			if _, err := ro.End(); err != nil {
				return err
			}

			key := make([]byte, 4)
			binary.BigEndian.PutUint32(key, uint32(s.Index))
			if err := b.Put(key, buf); err != nil {
				return err
			}
		}
		return nil
	})
}
