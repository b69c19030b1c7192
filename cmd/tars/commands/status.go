package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/tars/pkg/tars/httpapi"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// newStatusCmd creates `tars status`.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ep, err := endpoint(cmd)
			if err != nil {
				return err
			}
			resp, err := ep.do(http.MethodGet, "/status", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			var out bytes.Buffer
			if err := json.Indent(&out, body, "", "  "); err != nil {
				return err
			}
			fmt.Println(out.String())
			return nil
		},
	}
	cmd.Flags().Int("slot", 1, "instance slot")
	return cmd
}

// newInjectCmd creates `tars inject`.
func newInjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inject <text>",
		Short: "Send text straight into the primary child",
		Long: `Inject text into the primary child's input as if it were a user turn.
The text is tagged with its source ("[cli] ...").

Examples:
  tars inject "status report, please"
  echo "scene change" | tars inject -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := endpoint(cmd)
			if err != nil {
				return err
			}
			text := args[0]
			if text == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				text = string(data)
			}
			source, _ := cmd.Flags().GetString("source")

			payload, err := json.Marshal(httpapi.InjectRequest{Source: source, Content: text})
			if err != nil {
				return err
			}
			resp, err := ep.do(http.MethodPost, "/inject", bytes.NewReader(payload))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var result httpapi.InjectResponse
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
				return fmt.Errorf("inject: %s", resp.Status)
			}
			if !result.Success {
				return fmt.Errorf("inject rejected by instance %d: %s", result.Instance, result.Error)
			}
			fmt.Printf("injected into instance %d as %q\n", result.Instance, result.Source)
			return nil
		},
	}
	cmd.Flags().Int("slot", 1, "instance slot")
	cmd.Flags().String("source", "cli", "source tag shown to the primary")
	return cmd
}

// instanceEndpoint is the control listener of one running instance.
type instanceEndpoint struct {
	base  string
	token string
}

func endpoint(cmd *cobra.Command) (instanceEndpoint, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return instanceEndpoint{}, err
	}
	slot, _ := cmd.Flags().GetInt("slot")
	return instanceEndpoint{base: "http://" + cfg.HTTPAddr(slot), token: cfg.HTTP.AuthToken}, nil
}

func (e instanceEndpoint) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, e.base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instance not reachable at %s: %w", e.base, err)
	}
	return resp, nil
}
