package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/copydeck/internal/convert"
	"github.com/and161185/copydeck/internal/model"
	grpcserver "github.com/and161185/copydeck/internal/server/grpc"
)

// client invokes the Struct-typed service methods.
type client struct{ cc *grpc.ClientConn }

func connect(o connOpts, bearer string) (*client, error) {
	cc, err := dialFn(o, bearer)
	if err != nil {
		return nil, err
	}
	return &client{cc: cc}, nil
}

func (c *client) Close() error { return c.cc.Close() }

func (c *client) call(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := convert.Struct(in)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, grpcserver.FullMethod(method), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type command func(ctx context.Context, c *client, args []string, out io.Writer) error

var commands = map[string]command{
	"save":       saveCmd,
	"list":       listCmd,
	"search":     searchCmd,
	"load":       loadCmd,
	"rm":         rmCmd,
	"overview":   overviewCmd,
	"export":     collectionCmd(grpcserver.MethodExport, true),
	"dedup":      collectionCmd(grpcserver.MethodDedup, false),
	"normalize":  collectionCmd(grpcserver.MethodNormalize, false),
	"categories": categoriesCmd,
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// ---- auth ----

func (c *client) authCmd(ctx context.Context, cmd string, args []string, out io.Writer) error {
	fs := newFlags(cmd)
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "password")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *u == "" || *p == "" {
		return errors.New("need -u and -p")
	}
	in := map[string]any{"username": *u, "password": *p}

	if cmd == "register" {
		resp, err := c.call(ctx, grpcserver.MethodRegister, in)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.GetFields()["userId"].GetStringValue())
		return nil
	}

	resp, err := c.call(ctx, grpcserver.MethodLogin, in)
	if err != nil {
		return err
	}
	a := convert.NewArgs(resp)
	exp, err := time.Parse(time.RFC3339, a.String("expiresAt"))
	if err != nil {
		exp = time.Now().Add(15 * time.Minute)
	}
	if err := saveToken(tokenFile{AccessToken: a.String("accessToken"), Username: a.String("username"), ExpiresAt: exp}); err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

// ---- snapshots ----

// stateFile is the document accepted by save -state.
type stateFile struct {
	Titles   []model.Item `json:"titles"`
	Contents []model.Item `json:"contents"`
}

func readState(path string) (map[string]any, error) {
	b, err := readAll(path)
	if err != nil {
		return nil, err
	}
	var st stateFile
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("state file: %w", err)
	}
	titles, err := convert.ItemsValue(nonNil(st.Titles))
	if err != nil {
		return nil, err
	}
	contents, err := convert.ItemsValue(nonNil(st.Contents))
	if err != nil {
		return nil, err
	}
	return map[string]any{"titles": titles, "contents": contents}, nil
}

func nonNil(items []model.Item) []model.Item {
	if items == nil {
		return []model.Item{}
	}
	return items
}

func saveCmd(ctx context.Context, c *client, args []string, out io.Writer) error {
	fs := newFlags("save")
	label := fs.String("label", "", "snapshot label")
	state := fs.String("state", "", "JSON state file with titles/contents ('-' for stdin)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	in := map[string]any{}
	if *state != "" {
		var err error
		if in, err = readState(*state); err != nil {
			return err
		}
	}
	in["label"] = *label
	resp, err := c.call(ctx, grpcserver.MethodSaveSnapshot, in)
	if err != nil {
		return err
	}
	printJSON(out, metaRow(convert.MetaFromStruct(resp)))
	return nil
}

type row struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Titles   int    `json:"titles"`
	Contents int    `json:"contents"`
	Updated  string `json:"updated"`
	Source   string `json:"source,omitempty"`
}

func metaRow(m model.SnapshotMeta) row {
	return row{Key: m.Key, Label: m.Label, Titles: m.TitleCount, Contents: m.ContentCount,
		Updated: m.UpdatedText, Source: string(m.Source)}
}

func metaRows(ms []model.SnapshotMeta) []row {
	rows := make([]row, 0, len(ms))
	for _, m := range ms {
		rows = append(rows, metaRow(m))
	}
	return rows
}

func listCmd(ctx context.Context, c *client, args []string, out io.Writer) error {
	fs := newFlags("list")
	limit := fs.Int("limit", 0, "max snapshots (default 5)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	resp, err := c.call(ctx, grpcserver.MethodListSnapshots, map[string]any{"limit": *limit})
	if err != nil {
		return err
	}
	printJSON(out, metaRows(convert.MetaListFromStruct(resp, "items")))
	return nil
}

func searchCmd(ctx context.Context, c *client, args []string, out io.Writer) error {
	fs := newFlags("search")
	q := fs.String("q", "", "label substring")
	page := fs.Int("page", 1, "page number")
	size := fs.Int("size", 0, "page size (default 10)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	resp, err := c.call(ctx, grpcserver.MethodSearchSnapshots, map[string]any{"query": *q, "page": *page, "pageSize": *size})
	if err != nil {
		return err
	}
	a := convert.NewArgs(resp)
	printJSON(out, map[string]any{
		"items": metaRows(convert.MetaListFromStruct(resp, "items")),
		"total": a.Int("total", 0),
		"page":  a.Int("page", 1),
		"pages": a.Int("pages", 1),
	})
	return nil
}

func loadCmd(ctx context.Context, c *client, args []string, out io.Writer) error {
	fs := newFlags("load")
	key := fs.String("key", "", "snapshot key")
	scope := fs.String("scope", "both", "both|titles|contents")
	if err := fs.Parse(args); err != nil || *key == "" {
		return errUsage
	}
	resp, err := c.call(ctx, grpcserver.MethodLoadSnapshot, map[string]any{"key": *key, "scope": *scope})
	if err != nil {
		return err
	}
	printJSON(out, metaRow(convert.MetaFromStruct(resp)))
	return nil
}

func rmCmd(ctx context.Context, c *client, args []string, out io.Writer) error {
	fs := newFlags("rm")
	key := fs.String("key", "", "snapshot key")
	if err := fs.Parse(args); err != nil || *key == "" {
		return errUsage
	}
	if _, err := c.call(ctx, grpcserver.MethodDeleteSnapshot, map[string]any{"key": *key}); err != nil {
		return err
	}
	fmt.Fprintln(out, "deleted", *key)
	return nil
}

func overviewCmd(ctx context.Context, c *client, _ []string, out io.Writer) error {
	resp, err := c.call(ctx, grpcserver.MethodOverview, nil)
	if err != nil {
		return err
	}
	printJSON(out, resp.AsMap())
	return nil
}

// ---- catalog ----

func collectionCmd(method string, withFormat bool) command {
	return func(ctx context.Context, c *client, args []string, out io.Writer) error {
		fs := newFlags(method)
		coll := fs.String("c", "", "titles|contents")
		var format *string
		if withFormat {
			format = fs.String("f", "csv", "csv|json")
		}
		if err := fs.Parse(args); err != nil || *coll == "" {
			return errUsage
		}
		in := map[string]any{"collection": *coll}
		if format != nil {
			in["format"] = *format
		}
		resp, err := c.call(ctx, method, in)
		if err != nil {
			return err
		}
		printJSON(out, resp.AsMap())
		return nil
	}
}

func categoriesCmd(ctx context.Context, c *client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "reset":
		if _, err := c.call(ctx, grpcserver.MethodResetCategories, nil); err != nil {
			return err
		}
	case "copy":
		fs := newFlags("categories copy")
		from := fs.String("from", "", "source collection")
		to := fs.String("to", "", "target collection")
		if err := fs.Parse(args[1:]); err != nil || *from == "" || *to == "" {
			return errUsage
		}
		if _, err := c.call(ctx, grpcserver.MethodCopyCategories, map[string]any{"from": *from, "to": *to}); err != nil {
			return err
		}
	default:
		return errUsage
	}
	fmt.Fprintln(out, "ok")
	return nil
}
