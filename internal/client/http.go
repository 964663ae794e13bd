package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/stocker/lanlink/internal/discovery"
	"github.com/stocker/lanlink/internal/protocol"
)

var infoClient = &http.Client{Timeout: 10 * time.Second}

// FetchHostInfo asks the Host at address for its HostInfo. It is how a
// manually entered address learns the database identity and seat counts
// that discovery would otherwise provide.
func FetchHostInfo(ctx context.Context, address string) (discovery.HostInfo, error) {
	var info discovery.HostInfo
	if err := get(ctx, "http://"+address+"/lan/info", &info); err != nil {
		return info, &protocol.Error{Code: protocol.CodeConnectionLost, Message: "fetch host info", Err: err}
	}
	if host, _, err := net.SplitHostPort(address); err == nil && (info.Address == "" || net.ParseIP(info.Address).IsUnspecified()) {
		info.Address = host
	}
	return info, nil
}

func get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := infoClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %d %s", url, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
