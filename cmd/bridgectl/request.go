package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/bridgectl/internal/protocol/envelope"
	"github.com/spf13/cobra"
)

type requestFlags struct {
	Matrix        string
	Model         string
	ModelVersion  string
	Author        string
	SchemaVersion int
}

// newRequestCmd builds `request` (plain Request) or `paranoid` (ParanoidRequest).
func newRequestCmd(a *app, paranoid bool) *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send one matrix request with timeout and linear retry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := f.build()
			if err != nil {
				return err
			}
			c, release, err := a.client()
			if err != nil {
				return err
			}
			defer release()

			call := c.Request
			if paranoid {
				call = c.ParanoidRequest
			}
			resp, err := call(cmd.Context(), req)
			if err != nil {
				return err
			}
			sum, _ := resp.Sum()
			return a.print(resp, fmt.Sprintf("matrix_sum=%g model=%s schema=%d", sum, resp.ModelChecked, resp.SchemaVersionUsed))
		},
	}
	if paranoid {
		cmd.Use = "paranoid"
		cmd.Short = "Send one matrix request with heartbeats, exponential backoff and correlation ids"
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.Matrix, "matrix", "m", "[[1,2],[3,4]]", "matrix as a JSON array of integer arrays")
	fl.StringVar(&f.Model, "model", "TestModel", "model name")
	fl.StringVar(&f.ModelVersion, "model-version", "0.1", "model version")
	fl.StringVar(&f.Author, "author", "", "model author (schema 2)")
	fl.IntVar(&f.SchemaVersion, "schema", envelope.CurrentSchema, "schema version")
	return cmd
}

func (f requestFlags) build() (envelope.Request, error) {
	var matrix [][]int64
	if err := json.Unmarshal([]byte(strings.TrimSpace(f.Matrix)), &matrix); err != nil {
		return envelope.Request{}, fmt.Errorf("parse --matrix: %w", err)
	}
	return envelope.Request{
		SchemaVersion: f.SchemaVersion,
		Matrix:        matrix,
		Model: envelope.Model{
			Name:    strings.TrimSpace(f.Model),
			Version: strings.TrimSpace(f.ModelVersion),
			Author:  strings.TrimSpace(f.Author),
		},
	}, nil
}
