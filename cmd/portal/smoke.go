package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tourportal.io/internal/session"
)

type smokeOptions struct {
	httpURL  string
	grpcAddr string
	email    string
	secret   string
	timeout  time.Duration
}

func newSmokeCmd() *cobra.Command {
	opts := &smokeOptions{}
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Probe a running portal over HTTP and gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := runSmoke(ctx, http.DefaultClient, *opts, cmd.OutOrStdout()); err != nil {
				return err
			}
			if opts.grpcAddr == "" {
				return nil
			}
			return probeGRPC(ctx, opts.grpcAddr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.httpURL, "http", "http://localhost:8080", "portal HTTP base URL")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", "localhost:9090", "gRPC health address; empty skips the probe")
	cmd.Flags().StringVar(&opts.email, "email", "", "sign-in email for the credentials step")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "sign-in secret for the credentials step")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}

// runSmoke checks the public endpoints and, when credentials are given,
// that a sign-in reaches the second-factor step.
func runSmoke(ctx context.Context, client *http.Client, opts smokeOptions, out io.Writer) error {
	base := strings.TrimRight(opts.httpURL, "/")
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp, err := smokeRequest(ctx, client, http.MethodGet, base+path, nil)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
		}
		fmt.Fprintf(out, "ok   GET %s\n", path)
	}

	if opts.email == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]string{"email": opts.email, "secret": opts.secret})
	resp, err := smokeRequest(ctx, client, http.MethodPost, base+"/v1/session/credentials", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("POST /v1/session/credentials: status %d", resp.StatusCode)
	}
	var s struct {
		ID    string        `json:"id"`
		State session.State `json:"state"`
		Token string        `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	if s.State != session.StateMFAPending || s.Token == "" {
		return fmt.Errorf("unexpected session after credentials: state=%s", s.State)
	}
	fmt.Fprintf(out, "ok   POST /v1/session/credentials state=%s\n", s.State)

	resp, err = smokeAuthorized(ctx, client, http.MethodDelete, base+"/v1/session", s.Token)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("DELETE /v1/session: status %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "ok   DELETE /v1/session")
	return nil
}

func smokeRequest(ctx context.Context, client *http.Client, method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return client.Do(req)
}

func smokeAuthorized(ctx context.Context, client *http.Client, method, url, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}

func probeGRPC(ctx context.Context, addr string, out io.Writer) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("grpc health: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health: status %v", resp.GetStatus())
	}
	fmt.Fprintf(out, "ok   grpc health %s\n", addr)
	return nil
}
