package ikv_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tchen0123/ikv/pkg/ikv"
)

func Test_Concurrent_Writers_On_Distinct_Databases(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	const (
		writers = 4
		records = 300
	)

	var eg errgroup.Group

	for w := 1; w <= writers; w++ {
		eg.Go(func() error {
			db, err := s.DB(uint32(w), 0)
			if err != nil {
				return err
			}

			for i := range records {
				key := fmt.Appendf(nil, "w%d-key-%04d", w, i)
				if err := db.Put(key, fmt.Appendf(nil, "val-%d", i), 0); err != nil {
					return err
				}
			}

			return nil
		})
	}

	require.NoError(t, eg.Wait())

	for w := 1; w <= writers; w++ {
		db, err := s.DB(uint32(w), 0)
		require.NoError(t, err)

		n, err := db.Count()
		require.NoError(t, err)
		require.Equal(t, int64(records), n)
	}

	_, err := s.Check()
	require.NoError(t, err)
}

func Test_Concurrent_Readers_During_Writes(t *testing.T) {
	t.Parallel()

	s := openStore(t, ikv.Opts{})

	db, err := s.DB(1, 0)
	require.NoError(t, err)

	// Seed a stable region readers can always find.
	for i := range 100 {
		require.NoError(t, db.Put(fmt.Appendf(nil, "stable-%03d", i), []byte("s"), 0))
	}

	var eg errgroup.Group

	eg.Go(func() error {
		for i := range 2000 {
			if err := db.Put(fmt.Appendf(nil, "hot-%05d", i), []byte("h"), 0); err != nil {
				return err
			}
		}

		return nil
	})

	for r := range 4 {
		eg.Go(func() error {
			for i := range 2000 {
				key := fmt.Appendf(nil, "stable-%03d", (i+r)%100)

				val, err := db.Get(key)
				if err != nil {
					return err
				}

				if string(val) != "s" {
					return fmt.Errorf("stable key %s: got %q", key, val)
				}
			}

			return nil
		})
	}

	// Cursor scans race the writer; every scan must stay ordered and see at
	// least the stable region.
	eg.Go(func() error {
		for range 50 {
			cur, err := db.Cursor(ikv.CursorBeforeFirst, nil)
			if err != nil {
				return err
			}

			seen := 0
			prev := ""

			for {
				err := cur.Next()
				if errors.Is(err, ikv.ErrNotFound) {
					break
				}

				if err != nil {
					_ = cur.Close()

					return err
				}

				key, err := cur.Key()
				if err != nil {
					_ = cur.Close()

					return err
				}

				if string(key) <= prev {
					_ = cur.Close()

					return fmt.Errorf("scan out of order: %q after %q", key, prev)
				}

				prev = string(key)
				seen++
			}

			_ = cur.Close()

			if seen < 100 {
				return fmt.Errorf("scan saw %d records, want at least the stable 100", seen)
			}
		}

		return nil
	})

	require.NoError(t, eg.Wait())
}
