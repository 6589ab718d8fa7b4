package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/portal-session/internal/demo"
	"github.com/and161185/portal-session/internal/fingerprint"
	"github.com/and161185/portal-session/internal/guard"
)

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func newLoginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			resp, err := a.auth.Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := a.store.SetAuth(ctx, resp.User, resp.AccessToken, resp.RefreshToken); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.out, "logged in as %s (%s)\n", resp.User.Email, resp.User.Role)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "u", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newRegisterCmd() *cobra.Command {
	var name, email, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a tenant account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			resp, err := a.auth.Register(ctx, name, email, password)
			if err != nil {
				return err
			}
			if err := a.store.SetAuth(ctx, resp.User, resp.AccessToken, resp.RefreshToken); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(a.out, resp.User.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	cmd.Flags().StringVarP(&email, "email", "u", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			a.store.Logout(cmd.Context())
			_, _ = fmt.Fprintln(a.out, "ok")
			return nil
		},
	}
}

type whoami struct {
	State         string    `json:"state"`
	Email         string    `json:"email,omitempty"`
	Role          string    `json:"role,omitempty"`
	TenantID      string    `json:"tenantId,omitempty"`
	AccessExpires time.Time `json:"accessExpires,omitzero"`
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the session and whether it may enter protected views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			d, err := a.guard().Evaluate(ctx)
			if err != nil {
				return err
			}
			out := whoami{State: d.State.String()}
			if s := a.store.Snapshot(); s.User != nil {
				out.Email, out.Role, out.TenantID = s.User.Email, string(s.User.Role), s.User.TenantID
			}
			out.AccessExpires = tokenExpiry(a.store.AccessToken())
			printJSON(a.out, out)
			if d.State != guard.StateReady {
				return fmt.Errorf("session not ready: %s", d.State)
			}
			return nil
		},
	}
}

// tokenExpiry reads exp from a JWT without verifying it. The client never holds
// the signing key; the value is informational only.
func tokenExpiry(tok string) time.Time {
	if tok == "" {
		return time.Time{}
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.UTC()
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "GET a protected API path through the refreshing gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			d, err := a.guard().Evaluate(ctx)
			if err != nil {
				return err
			}
			if d.State != guard.StateReady {
				return fmt.Errorf("session not ready: %s", d.State)
			}
			var body json.RawMessage
			if err := a.gw.GetJSON(ctx, args[0], &body); err != nil {
				return err
			}
			printJSON(a.out, body)
			return nil
		},
	}
}

type fingerprintOutput struct {
	Hash   string             `json:"hash"`
	Record fingerprint.Record `json:"record"`
	Stage  string             `json:"stage"`
}

func newFingerprintCmd() *cobra.Command {
	var partialOnly bool
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the device fingerprint, partial record first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			_, ch := a.fingerprinter().Start(ctx)
			for r := range ch {
				stage := "partial"
				if r.Complete {
					stage = "complete"
				}
				printJSON(a.out, fingerprintOutput{Hash: r.Hash(), Record: r, Stage: stage})
				if partialOnly {
					return nil
				}
			}
			return ctx.Err()
		},
	}
	cmd.Flags().BoolVar(&partialOnly, "partial", false, "stop after the cheap signals")
	return cmd
}

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo <path>",
		Short: "Call a demo endpoint identified by API key and fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			if a.cfg.DemoAPIKey == "" {
				return errors.New("demo api key is not configured (--demo-api-key)")
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			gen := a.fingerprinter()
			if _, err := gen.Collect(ctx); err != nil {
				return err
			}
			path := args[0]
			if !strings.HasPrefix(path, "/demo/") {
				path = "/demo/" + strings.TrimPrefix(path, "/")
			}
			body, err := demo.New(a.cfg.APIURL, a.cfg.DemoAPIKey, gen).Get(ctx, path)
			if err != nil {
				return err
			}
			_, err = a.out.Write(body)
			return err
		},
	}
}

func newHealthCmd() *cobra.Command {
	var addr string
	var plaintext bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the API's gRPC health service with the session's bearer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
			if plaintext {
				creds = insecure.NewCredentials()
			}
			opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, a.gw.DialOptions(plaintext)...)
			cc, err := grpc.NewClient(addr, opts...)
			if err != nil {
				return err
			}
			defer cc.Close()

			resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(a.out, resp.GetStatus().String())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "grpc-addr", "localhost:8443", "gRPC address of the API")
	cmd.Flags().BoolVar(&plaintext, "plaintext", false, "dial without TLS (dev)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "portal %s (%s)\n", version, buildDate)
		},
	}
}
