package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// registerRequestBody mirrors internal/gateway's registerRequest: the
// component id, its compiled code, original source, and an optional
// explicit dependency list.
type registerRequestBody struct {
	ID     string   `json:"id"`
	Source string   `json:"source,omitempty"`
	Code   string   `json:"code"`
	Deps   []string `json:"deps,omitempty"`
}

func registerCmd() *cobra.Command {
	var (
		codePath   string
		sourcePath string
		deps       []string
		csrfToken  string
	)

	cmd := &cobra.Command{
		Use:   "register <component-id>",
		Short: "Register or update a compiled component against a running gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			code, err := os.ReadFile(codePath)
			if err != nil {
				return fmt.Errorf("read compiled code: %w", err)
			}
			var source string
			if sourcePath != "" {
				src, err := os.ReadFile(sourcePath)
				if err != nil {
					return fmt.Errorf("read source: %w", err)
				}
				source = string(src)
			}

			body, err := json.Marshal(registerRequestBody{ID: id, Source: source, Code: string(code), Deps: deps})
			if err != nil {
				return err
			}

			req, err := http.NewRequest(http.MethodPost, serverAddr+"/_rari/register", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if csrfToken == "" {
				csrfToken = fetchCSRFToken()
			}
			if csrfToken != "" {
				req.Header.Set("X-Rari-CSRF-Token", csrfToken)
			}

			resp, err := httpClient().Do(req)
			if err != nil {
				return fmt.Errorf("register request failed: %w", err)
			}
			defer resp.Body.Close()

			return printJSONResponse(resp)
		},
	}

	cmd.Flags().StringVarP(&codePath, "code", "c", "", "Path to the compiled component code")
	cmd.Flags().StringVarP(&sourcePath, "source", "s", "", "Path to the original component source (for dependency extraction)")
	cmd.Flags().StringArrayVar(&deps, "dep", nil, "Explicit dependency component id, may be repeated")
	cmd.Flags().StringVar(&csrfToken, "csrf-token", "", "CSRF token; fetched from /_rari/csrf if omitted")
	cmd.MarkFlagRequired("code")

	return cmd
}

func routeInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route-info <path>",
		Short: "Show the matched route manifest for a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient().Get(serverAddr + "/_rari/route-info?path=" + args[0])
			if err != nil {
				return fmt.Errorf("route-info request failed: %w", err)
			}
			defer resp.Body.Close()
			return printJSONResponse(resp)
		},
	}
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or invalidate the gateway's response cache",
	}
	cmd.AddCommand(cacheStatsCmd(), cacheInvalidateCmd())
	return cmd
}

func cacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show response cache hit/miss/eviction counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient().Get(serverAddr + "/_rari/cache-stats")
			if err != nil {
				return fmt.Errorf("cache-stats request failed: %w", err)
			}
			defer resp.Body.Close()
			return printJSONResponse(resp)
		},
	}
}

func cacheInvalidateCmd() *cobra.Command {
	var (
		path   string
		tag    string
		secret string
	)

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate cached responses by path or by tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" && tag == "" {
				return fmt.Errorf("one of --path or --tag is required")
			}

			endpoint := "/_rari/revalidate/path?path=" + path
			if tag != "" {
				endpoint = "/_rari/revalidate/tag?tag=" + tag
			}

			req, err := http.NewRequest(http.MethodPost, serverAddr+endpoint, nil)
			if err != nil {
				return err
			}
			if secret != "" {
				req.Header.Set("X-Rari-Revalidate-Secret", secret)
			}

			resp, err := httpClient().Do(req)
			if err != nil {
				return fmt.Errorf("revalidate request failed: %w", err)
			}
			defer resp.Body.Close()
			return printJSONResponse(resp)
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Path to invalidate")
	cmd.Flags().StringVar(&tag, "tag", "", "Tag to invalidate")
	cmd.Flags().StringVar(&secret, "secret", "", "Revalidate shared secret (RARI_REVALIDATE_SECRET)")

	return cmd
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func fetchCSRFToken() string {
	resp, err := httpClient().Get(serverAddr + "/_rari/csrf")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Token
}

func printJSONResponse(resp *http.Response) error {
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return nil
}
