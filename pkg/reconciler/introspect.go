package reconciler

import (
	"context"
	"fmt"
)

// PublishHostUsage dials serverID, takes a load/memory/disk snapshot and
// publishes it on the "host:<serverID>" Stream Bus channel, so an operator
// dashboard can show live host load from the same periodic low-priority
// job without a separate monitoring agent. The three readings are taken
// individually rather than via CombinedUsage's single round trip, so a
// failure on one (e.g. df wedged on a stale NFS mount) doesn't blank out
// the other two.
func (r *Reconciler) PublishHostUsage(ctx context.Context, serverID string) error {
	server, err := r.store.GetServer(serverID)
	if err != nil {
		return fmt.Errorf("introspect: load server %s: %w", serverID, err)
	}
	creds, err := r.credentialsFor(server)
	if err != nil {
		return err
	}
	conn, err := r.open(ctx, server, creds, r.sshTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	cpu, cpuErr := conn.CPUUsage(ctx)
	mem, memErr := conn.MemoryUsage(ctx)
	disk, diskErr := conn.DiskUsage(ctx)
	if cpuErr != nil && memErr != nil && diskErr != nil {
		return fmt.Errorf("introspect: usage for %s: cpu: %v; memory: %v; disk: %w", serverID, cpuErr, memErr, diskErr)
	}
	r.publish(ctx, "host:"+serverID, fmt.Sprintf("%s\n%s\n%s", cpu, mem, disk))
	return nil
}
