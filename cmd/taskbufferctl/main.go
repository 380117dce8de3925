// Command taskbufferctl is a small operator/demo client for taskbufferd:
// it drives the getPages/destroy/info HTTP surface, and its "produce"
// subcommand mints a task instance id for a demo run. It never enqueues
// pages itself; see ProduceCmd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cristalhq/hedgedhttp"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/sony/gobreaker"
)

// CLI is the kong command tree. Each subcommand talks to one
// taskbufferd instance over HTTP; retries and circuit-breaking are
// applied uniformly through newClient.
type CLI struct {
	Server string `help:"taskbufferd base URL." default:"http://localhost:3200"`

	GetPages GetPagesCmd `cmd:"" help:"Fetch the next page batch from a buffer."`
	Destroy  DestroyCmd  `cmd:"" help:"Destroy a buffer."`
	Info     InfoCmd     `cmd:"" help:"Show a buffer's observable state."`
	Produce  ProduceCmd  `cmd:"" help:"Mint a task instance id for a local demo run."`
}

type GetPagesCmd struct {
	TaskInstanceID string `arg:"" help:"Task instance id."`
	BufferID       int64  `arg:"" help:"Buffer id."`
	Token          int64  `help:"Starting token." default:"0"`
	MaxBytes       int64  `help:"Byte cap for this fetch." default:"1048576"`
}

func (c *GetPagesCmd) Run(cli *CLI) error {
	client := newClient()
	url := fmt.Sprintf("%s/v1/task/%s/%d?token=%d&maxBytes=%d", cli.Server, c.TaskInstanceID, c.BufferID, c.Token, c.MaxBytes)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("getPages failed: %s", resp.Status)
	}

	var result struct {
		TaskInstanceID string `json:"taskInstanceId"`
		StartToken     int64  `json:"startToken"`
		NextToken      int64  `json:"nextToken"`
		Finished       bool   `json:"finished"`
		Pages          []struct {
			PositionCount uint32 `json:"positionCount"`
			Bytes         []byte `json:"bytes"`
		} `json:"pages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Page", "Positions", "Size")
	var totalBytes int
	for i, p := range result.Pages {
		totalBytes += len(p.Bytes)
		_ = table.Append([]string{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("%d", p.PositionCount),
			humanize.Bytes(uint64(len(p.Bytes))),
		})
	}
	_ = table.Render()

	fmt.Printf("nextToken=%d finished=%t totalBytes=%s\n", result.NextToken, result.Finished, humanize.Bytes(uint64(totalBytes)))
	return nil
}

type DestroyCmd struct {
	TaskInstanceID string `arg:"" help:"Task instance id."`
	BufferID       int64  `arg:"" help:"Buffer id."`
}

func (c *DestroyCmd) Run(cli *CLI) error {
	client := newClient()
	url := fmt.Sprintf("%s/v1/task/%s/%d", cli.Server, c.TaskInstanceID, c.BufferID)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("destroy failed: %s", resp.Status)
	}
	fmt.Println("destroyed")
	return nil
}

type InfoCmd struct {
	TaskInstanceID string `arg:"" help:"Task instance id."`
	BufferID       int64  `arg:"" help:"Buffer id."`
}

func (c *InfoCmd) Run(cli *CLI) error {
	client := newClient()
	url := fmt.Sprintf("%s/v1/task/%s/%d/info", cli.Server, c.TaskInstanceID, c.BufferID)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("info failed: %s", resp.Status)
	}

	var info struct {
		BufferID      int64 `json:"bufferId"`
		Destroyed     bool  `json:"destroyed"`
		BufferedBytes int64 `json:"bufferedBytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Buffer", "Destroyed", "Buffered")
	_ = table.Append([]string{
		fmt.Sprintf("%d", info.BufferID),
		fmt.Sprintf("%t", info.Destroyed),
		humanize.Bytes(uint64(info.BufferedBytes)),
	})
	_ = table.Render()
	return nil
}

// ProduceCmd mints a fresh task instance id for a demo run. Actual page
// production happens inside the engine process holding the manager
// in-process (see modules/outputbuffer.Manager.GetOrCreateBuffer); there
// is deliberately no remote "enqueue" HTTP route, since producers are
// always co-located with the manager that owns the buffer.
type ProduceCmd struct{}

func (c *ProduceCmd) Run(cli *CLI) error {
	fmt.Println(uuid.NewString())
	return nil
}

// newClient wraps the default transport with hedged requests (so a slow
// taskbufferd replica doesn't stall a poll past a client's patience) and
// a circuit breaker (so a dead server fails fast instead of piling up
// blocked getPages calls).
func newClient() *http.Client {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "taskbufferctl",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	transport := http.DefaultTransport
	hedged, err := hedgedhttp.NewRoundTripper(50*time.Millisecond, 2, transport)
	if err == nil {
		transport = hedged
	}

	return &http.Client{
		Transport: breakerRoundTripper{cb: cb, next: transport},
	}
}

type breakerRoundTripper struct {
	cb   *gobreaker.CircuitBreaker[*http.Response]
	next http.RoundTripper
}

func (b breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return b.cb.Execute(func() (*http.Response, error) {
		return b.next.RoundTrip(req)
	})
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli, kong.Name("taskbufferctl"), kong.Description("Operator client for taskbufferd."))
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
