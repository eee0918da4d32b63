// Package actions runs the external service-action process: it is
// handed the candidate datastore and publishes a transformed
// configuration back into it, bounded by the device timeout.
package actions

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/conduit-network/conduit/pkg/datastore"
	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/util"
)

// Runner spawns the configured service-action command. The candidate
// snapshot is written to the process's stdin as
// <devices><device>...</device></devices>; the process writes the
// transformed tree in the same shape to stdout.
type Runner struct {
	command []string
}

// NewRunner creates a runner for the configured command line, or nil
// when no command is configured.
func NewRunner(command []string) *Runner {
	if len(command) == 0 {
		return nil
	}
	return &Runner{command: command}
}

// Apply invokes the process and replaces the candidate device trees
// with its output.
func (r *Runner) Apply(store datastore.Store, timeout time.Duration) error {
	snapshot, err := snapshotCandidate(store)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Stdin = bytes.NewReader(snapshot)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	util.WithOperation("service-actions").Infof("running %v", r.command)
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: service-action process", util.ErrTimeout)
		}
		return fmt.Errorf("service-action process: %v: %s", err, stderr.String())
	}
	return publishCandidate(store, stdout.Bytes())
}

// snapshotCandidate serialises the candidate device trees.
func snapshotCandidate(store datastore.Store) ([]byte, error) {
	names, err := store.Devices(datastore.Candidate)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.WriteString("<devices>")
	for _, name := range names {
		root, err := store.DeviceRoot(datastore.Candidate, name)
		if err != nil {
			return nil, err
		}
		if root == nil {
			continue
		}
		fmt.Fprintf(&b, "<device><name>%s</name>", name)
		b.WriteString(root.String())
		b.WriteString("</device>")
	}
	b.WriteString("</devices>")
	return b.Bytes(), nil
}

// publishCandidate parses the transformed tree and replaces the
// candidate device subtrees it names.
func publishCandidate(store datastore.Store, out []byte) error {
	tree, err := netconf.Parse(out)
	if err != nil {
		return fmt.Errorf("service-action output: %w", err)
	}
	for _, d := range tree.FindAll("device") {
		name := d.Body("name")
		root := d.Find("root")
		if name == "" || root == nil {
			continue
		}
		if err := store.PutDeviceRoot(datastore.Candidate, name, root); err != nil {
			return err
		}
	}
	return nil
}
