package satellite

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/ipsix/fleetaudit/internal/scanerr"
)

const perPage = 100

type page struct {
	Total   int               `json:"total"`
	Page    int               `json:"page"`
	PerPage int               `json:"per_page"`
	Results []json.RawMessage `json:"results"`
}

func fetchPage(ctx context.Context, conn Conn, path string, number, size int) (page, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(number))
	query.Set("per_page", strconv.Itoa(size))
	var p page
	if err := conn.GetJSON(ctx, path, query, &p); err != nil {
		return page{}, err
	}
	return p, nil
}

func total(ctx context.Context, conn Conn, path string) (int, error) {
	p, err := fetchPage(ctx, conn, path, 1, 1)
	if err != nil {
		return 0, err
	}
	return p.Total, nil
}

// eachResult walks every page of path, stopping when the advertised total is
// covered or a page comes back empty.
// Coverage counts the results actually returned, so a server that caps
// per_page below the requested size is still walked to the end.
func eachResult(ctx context.Context, conn Conn, path string, fn func(json.RawMessage) bool) error {
	seen := 0
	for number := 1; ; number++ {
		if err := ctx.Err(); err != nil {
			return scanerr.Wrap(context.Cause(ctx), scanerr.KindTransport, "list "+path)
		}
		p, err := fetchPage(ctx, conn, path, number, perPage)
		if err != nil {
			return err
		}
		for _, raw := range p.Results {
			if !fn(raw) {
				return nil
			}
		}
		if len(p.Results) == 0 {
			return nil
		}
		seen += len(p.Results)
		if seen >= p.Total {
			return nil
		}
	}
}
