package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/labdesk/labdesk/internal/auth"
	"github.com/labdesk/labdesk/internal/labcatalog"
	"github.com/labdesk/labdesk/internal/rbac"
)

const usage = `usage:
  labctl hash-password <password>
  labctl roles list [search]
  labctl roles export <role-id> <file>
  labctl roles import [--dry-run] <role-id> <file>
  labctl catalog import <file.csv>`

// ErrUsage is returned when arguments do not match any command.
var ErrUsage = errors.New(usage)

// RoleAPI is the subset of the server API used by role commands.
type RoleAPI interface {
	ListRoles(ctx context.Context, search string) ([]rbac.RoleRef, error)
	ExportMatrix(ctx context.Context, roleID int64) (rbac.ExportFile, error)
	PreviewImport(ctx context.Context, roleID int64, raw []byte) (rbac.Matrix, error)
	SaveMatrix(ctx context.Context, roleID int64, m rbac.Matrix) (rbac.MatrixDiff, error)
}

// CatalogQueue hands catalog files to the background worker.
type CatalogQueue interface {
	EnqueueCatalogImport(ctx context.Context, csv []byte, actorID int64) (string, error)
	Close() error
}

// CLI dispatches labctl commands. Roles and Queue are resolved lazily so
// offline commands need no configuration.
type CLI struct {
	Stdout io.Writer
	Stderr io.Writer
	Roles  func() (RoleAPI, error)
	Queue  func() (CatalogQueue, error)
}

// Run executes the command named by args.
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}
	switch args[0] {
	case "hash-password":
		if len(args) != 2 {
			return ErrUsage
		}
		return c.hashPassword(args[1])
	case "roles":
		return c.roles(ctx, args[1:])
	case "catalog":
		if len(args) != 3 || args[1] != "import" {
			return ErrUsage
		}
		return c.catalogImport(ctx, args[2])
	case "help", "-h", "--help":
		fmt.Fprintln(c.Stdout, usage)
		return nil
	default:
		return ErrUsage
	}
}

func (c *CLI) hashPassword(password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.Stdout, hash)
	return nil
}

func (c *CLI) roles(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}
	sub, args := args[0], args[1:]
	dryRun := false
	if sub == "import" && len(args) > 0 && args[0] == "--dry-run" {
		dryRun = true
		args = args[1:]
	}
	switch {
	case sub == "list" && len(args) <= 1:
	case (sub == "export" || sub == "import") && len(args) == 2:
	default:
		return ErrUsage
	}
	api, err := c.Roles()
	if err != nil {
		return err
	}
	switch sub {
	case "list":
		search := ""
		if len(args) == 1 {
			search = args[0]
		}
		return c.listRoles(ctx, api, search)
	case "export":
		id, err := parseRoleID(args[0])
		if err != nil {
			return err
		}
		return c.exportRole(ctx, api, id, args[1])
	default:
		id, err := parseRoleID(args[0])
		if err != nil {
			return err
		}
		return c.importRole(ctx, api, id, args[1], dryRun)
	}
}

func (c *CLI) listRoles(ctx context.Context, api RoleAPI, search string) error {
	roles, err := api.ListRoles(ctx, search)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCORE")
	for _, role := range roles {
		fmt.Fprintf(tw, "%d\t%s\t%t\n", role.ID, role.Name, role.IsCore)
	}
	return tw.Flush()
}

func (c *CLI) exportRole(ctx context.Context, api RoleAPI, id int64, path string) error {
	file, err := api.ExportMatrix(ctx, id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout, "exported role %q to %s\n", file.Role, path)
	return nil
}

func (c *CLI) importRole(ctx context.Context, api RoleAPI, id int64, path string, dryRun bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	matrix, err := api.PreviewImport(ctx, id, raw)
	if err != nil {
		return err
	}
	granted := 0
	for _, actions := range matrix {
		for _, ok := range actions {
			if ok {
				granted++
			}
		}
	}
	fmt.Fprintf(c.Stdout, "preview: %d permissions granted\n", granted)
	if dryRun {
		return nil
	}
	diff, err := api.SaveMatrix(ctx, id, matrix)
	if err != nil {
		return err
	}
	if diff.Empty() {
		fmt.Fprintln(c.Stdout, "no changes")
		return nil
	}
	for _, slug := range diff.Added {
		fmt.Fprintln(c.Stdout, "+", slug)
	}
	for _, slug := range diff.Removed {
		fmt.Fprintln(c.Stdout, "-", slug)
	}
	return nil
}

func (c *CLI) catalogImport(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	batch, err := labcatalog.ParseCSV(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	for _, rowErr := range batch.Errors {
		fmt.Fprintf(c.Stderr, "line %d (%s): %s\n", rowErr.Line, rowErr.Code, rowErr.Message)
	}
	queue, err := c.Queue()
	if err != nil {
		return err
	}
	defer func() {
		_ = queue.Close()
	}()
	taskID, err := queue.EnqueueCatalogImport(ctx, raw, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout, "enqueued catalog import %s (%d rows, %d rejected locally)\n", taskID, batch.Rows, len(batch.Errors))
	return nil
}

func parseRoleID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid role id %q", raw)
	}
	return id, nil
}
