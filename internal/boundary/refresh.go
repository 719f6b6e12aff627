package boundary

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/pkg/clients"
	"github.com/ajitpratap0/notesync/pkg/errors"
)

// Refresh fetches every configured boundary that is not cached yet. The id
// list comes from the configuration or, when that is empty, from the
// configured Overpass id query.
func (f *Fetcher) Refresh(ctx context.Context) (*Report, error) {
	if f.store == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "boundary refresh needs a store")
	}
	ids := f.cfg.IDs
	if len(ids) == 0 {
		var err error
		if ids, err = f.DiscoverIDs(ctx); err != nil {
			return nil, err
		}
	}
	cached, err := f.store.BoundaryIDs(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[int64]struct{}, len(cached))
	for _, id := range cached {
		have[id] = struct{}{}
	}
	var missing []int64
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	f.logger.Info("boundary refresh",
		zap.Int("known", len(ids)),
		zap.Int("cached", len(cached)),
		zap.Int("missing", len(missing)))
	if len(missing) == 0 {
		return &Report{}, nil
	}
	return f.FetchAll(ctx, missing)
}

// DiscoverIDs runs the id query, which answers with one relation id per
// line (Overpass CSV output).
func (f *Fetcher) DiscoverIDs(ctx context.Context) ([]int64, error) {
	if f.cfg.IDQuery == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "boundaries.ids and boundaries.id_query are both empty")
	}
	var body []byte
	err := f.policy.Do(ctx, func(ctx context.Context) error {
		slot, err := f.gate.Acquire(ctx)
		if err != nil {
			return err
		}
		defer slot.Release()
		body, err = f.post(ctx, f.cfg.IDQuery)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "boundary id query failed")
	}

	var ids []int64
	seen := make(map[int64]struct{})
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line == "@id" {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, errors.Newf(errors.ErrorTypeData, "unexpected line in id list: %q", line)
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, sc.Err()
}

var (
	slotsNow   = regexp.MustCompile(`(?m)^(\d+) slots? available now`)
	slotsAfter = regexp.MustCompile(`(?m)^Slot available after: \S+, in (-?\d+) seconds?`)
)

// ParseStatus reads an Overpass /api/status page. It returns the number of
// free slots and, when none is free, how long until the next one frees up.
func ParseStatus(page string) (free int, wait time.Duration, ok bool) {
	if m := slotsNow.FindStringSubmatch(page); m != nil {
		free, _ = strconv.Atoi(m[1])
		ok = true
	}
	if free > 0 {
		return free, 0, true
	}
	for _, m := range slotsAfter.FindAllStringSubmatch(page, -1) {
		secs, _ := strconv.Atoi(m[1])
		d := time.Duration(secs) * time.Second
		if !ok || d < wait {
			wait = d
		}
		ok = true
	}
	if wait < 0 {
		wait = 0
	}
	return free, wait, ok
}

// waitForSlot delays until the service reports a free slot. It is advisory:
// failures are logged and the gate still decides.
func (f *Fetcher) waitForSlot(ctx context.Context) {
	if f.cfg.StatusURL == "" {
		return
	}
	page, err := f.status(ctx)
	if err != nil {
		f.logger.Debug("status pre-check failed", zap.Error(err))
		return
	}
	_, wait, ok := ParseStatus(page)
	if !ok || wait == 0 {
		return
	}
	if wait > f.maxDelay {
		wait = f.maxDelay
	}
	f.logger.Debug("waiting for a free service slot", zap.Duration("wait", wait))
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (f *Fetcher) status(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.StatusURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", clients.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", clients.StatusError(resp)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return string(b), err
}
