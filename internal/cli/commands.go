package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliq/ceph/internal/region"
	"github.com/eliq/ceph/internal/transport"
)

type regionList struct {
	Local     string        `json:"local_region"`
	Upstreams []region.Info `json:"upstreams"`
}

func (l regionList) renderText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Local region:\t%s\n\n", l.Local)
	fmt.Fprintln(tw, "REGION\tENDPOINTS")
	for _, info := range l.Upstreams {
		eps := strings.Join(info.Endpoints, ", ")
		if eps == "" {
			eps = "(none)"
		}
		fmt.Fprintf(tw, "%s\t%s\n", info.Name, eps)
	}
	return tw.Flush()
}

func (a *app) regionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "List configured upstream regions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := formatFromCmd(cmd)
			if err != nil {
				return err
			}
			reg, err := a.registry()
			if err != nil {
				return err
			}
			return NewFormatter(format, cmd.OutOrStdout()).Output(regionList{
				Local:     reg.LocalRegion(),
				Upstreams: reg.List(),
			})
		},
	}
	addFormatFlag(cmd)
	return cmd
}

type forwardResult struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       string      `json:"body"`
}

func (r forwardResult) renderText(w io.Writer) error {
	fmt.Fprintf(w, "HTTP %d %s\n", r.StatusCode, http.StatusText(r.StatusCode))
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, strings.Join(r.Header[name], ", "))
	}
	if r.Body != "" {
		fmt.Fprintf(w, "\n%s\n", r.Body)
	}
	return nil
}

func (a *app) forwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward <region> <method> <resource>",
		Short: "Send a one-shot request to an upstream region",
		Example: `  rgwctl forward us-west GET /photos --uid alice
  rgwctl forward us-west POST '/photos?delete' --data @delete.xml --uid alice`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := formatFromCmd(cmd)
			if err != nil {
				return err
			}
			uid, err := uidFromCmd(cmd)
			if err != nil {
				return err
			}
			info, err := requestInfo(args[1], args[2], cmd)
			if err != nil {
				return err
			}
			body, err := requestBody(cmd)
			if err != nil {
				return err
			}
			maxResponse, _ := cmd.Flags().GetInt64("max-response")

			conn, err := a.connection(args[0])
			if err != nil {
				return err
			}

			resp, fwdErr := conn.Forward(cmd.Context(), uid, info, maxResponse, body)
			if resp == nil {
				return fwdErr
			}
			if err := NewFormatter(format, cmd.OutOrStdout()).Output(forwardResult{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       string(resp.Body),
			}); err != nil {
				return err
			}
			return fwdErr
		},
	}
	cmd.Flags().String("data", "", "request body, or @file to read it from a file")
	cmd.Flags().StringArrayP("header", "H", nil, "request header as 'Name: value' (repeatable)")
	cmd.Flags().Int64("max-response", 0, "largest response body accepted in bytes (default from config)")
	addFormatFlag(cmd)
	return cmd
}

func requestInfo(method, resource string, cmd *cobra.Command) (*transport.RequestInfo, error) {
	path, rawQuery, _ := strings.Cut(resource, "?")
	args, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid resource %q: %w", resource, err)
	}

	header := http.Header{}
	headers, _ := cmd.Flags().GetStringArray("header")
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q (want 'Name: value')", h)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return &transport.RequestInfo{
		Method:   strings.ToUpper(method),
		Resource: path,
		Args:     args,
		Header:   header,
	}, nil
}

func requestBody(cmd *cobra.Command) (io.Reader, error) {
	data, _ := cmd.Flags().GetString("data")
	if data == "" {
		return nil, nil
	}
	if name, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		return bytes.NewReader(b), nil
	}
	return strings.NewReader(data), nil
}

type objectResult struct {
	Region   string            `json:"region"`
	Endpoint string            `json:"endpoint"`
	Bucket   string            `json:"bucket"`
	Key      string            `json:"key"`
	Size     int64             `json:"size"`
	ETag     string            `json:"etag"`
	Mtime    time.Time         `json:"mtime"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

func (r objectResult) renderText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Object:\t%s/%s\n", r.Bucket, r.Key)
	fmt.Fprintf(tw, "Region:\t%s (%s)\n", r.Region, r.Endpoint)
	fmt.Fprintf(tw, "Size:\t%d\n", r.Size)
	fmt.Fprintf(tw, "ETag:\t%s\n", r.ETag)
	if !r.Mtime.IsZero() {
		fmt.Fprintf(tw, "Modified:\t%s\n", r.Mtime.Format(time.RFC3339))
	}
	keys := make([]string, 0, len(r.Attrs))
	for k := range r.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s:\t%s\n", k, r.Attrs[k])
	}
	return tw.Flush()
}

func (a *app) putCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <region> <bucket/key> <file>",
		Short: "Stream a file to an upstream region",
		Long:  "Upload a file to an upstream region. Use - to read the object from stdin.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := formatFromCmd(cmd)
			if err != nil {
				return err
			}
			uid, err := uidFromCmd(cmd)
			if err != nil {
				return err
			}
			obj, err := parseObject(args[1])
			if err != nil {
				return err
			}
			attrs, err := cmd.Flags().GetStringToString("attr")
			if err != nil {
				return err
			}

			src, size, err := openSource(args[2], cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer src.Close()

			conn, err := a.connection(args[0])
			if err != nil {
				return err
			}

			ws, err := conn.BeginWrite(cmd.Context(), uid, obj, size, attrs)
			if err != nil {
				return fmt.Errorf("failed to start upload: %w", err)
			}
			if _, err := io.Copy(ws, src); err != nil {
				ws.Abort()
				return fmt.Errorf("upload of %s failed: %w", obj, err)
			}
			etag, mtime, err := conn.CompleteWrite(ws)
			if err != nil {
				return fmt.Errorf("upload of %s failed: %w", obj, err)
			}

			return NewFormatter(format, cmd.OutOrStdout()).Output(objectResult{
				Region:   conn.UpstreamName(),
				Endpoint: ws.Endpoint(),
				Bucket:   obj.Bucket,
				Key:      obj.Key,
				Size:     ws.BytesWritten(),
				ETag:     etag,
				Mtime:    mtime,
			})
		},
	}
	cmd.Flags().StringToString("attr", nil, "object attribute as key=value (repeatable)")
	addFormatFlag(cmd)
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <region> <bucket/key> [file]",
		Short: "Stream an object from an upstream region",
		Long: `Download an object from an upstream region into file, or to stdout when no
file is given. Object metadata is reported on stdout, or on stderr when the
object itself goes to stdout.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := formatFromCmd(cmd)
			if err != nil {
				return err
			}
			uid, err := uidFromCmd(cmd)
			if err != nil {
				return err
			}
			obj, err := parseObject(args[1])
			if err != nil {
				return err
			}
			prepend, _ := cmd.Flags().GetBool("prepend-metadata")

			dst, report := cmd.OutOrStdout(), cmd.OutOrStdout()
			if len(args) == 3 {
				f, err := os.Create(args[2])
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			} else {
				report = cmd.ErrOrStderr()
			}

			conn, err := a.connection(args[0])
			if err != nil {
				return err
			}

			rs, err := conn.BeginRead(cmd.Context(), uid, obj, prepend, func(chunk []byte, _ int64) error {
				_, err := dst.Write(chunk)
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to start download: %w", err)
			}
			etag, mtime, attrs, err := conn.CompleteRead(rs)
			if err != nil {
				return fmt.Errorf("download of %s failed: %w", obj, err)
			}

			return NewFormatter(format, report).Output(objectResult{
				Region:   conn.UpstreamName(),
				Endpoint: rs.Endpoint(),
				Bucket:   obj.Bucket,
				Key:      obj.Key,
				Size:     rs.BytesReceived(),
				ETag:     etag,
				Mtime:    mtime,
				Attrs:    attrs,
			})
		},
	}
	cmd.Flags().Bool("prepend-metadata", false, "ask the peer to prefix the object stream with its metadata")
	addFormatFlag(cmd)
	return cmd
}

// parseObject splits "bucket/key".
func parseObject(s string) (transport.Object, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(s, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return transport.Object{}, fmt.Errorf("invalid object %q (want bucket/key)", s)
	}
	return transport.Object{Bucket: bucket, Key: key}, nil
}

// openSource opens the upload source. stdin has an unknown size.
func openSource(name string, stdin io.Reader) (io.ReadCloser, int64, error) {
	if name == "-" {
		return io.NopCloser(stdin), -1, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}
