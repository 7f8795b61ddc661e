package helvarnet

import (
	"context"
	"fmt"
	"strconv"
)

// DiscoverOptions controls the discovery sweep.
type DiscoverOptions struct {
	// SkipNames skips the per-group and per-device description queries.
	// Useful on large installations where names are not needed.
	SkipNames bool
}

// Discover walks the router's configuration and populates the
// registries: group enumeration, per-group membership and names, then
// per-device classification, names, and initial load levels.
//
// Per-device failures degrade gracefully: a device whose type query
// fails is registered with default capabilities (dimmable load) and a
// warning, never dropped. Only the initial group enumeration failing
// aborts the sweep.
//
// Re-running Discover refreshes existing entries in place.
func (r *Router) Discover(ctx context.Context, opts DiscoverOptions) error {
	dispatcher, err := r.currentDispatcher()
	if err != nil {
		return err
	}

	reply, err := dispatcher.Query(ctx, QueryGroups())
	if err != nil {
		return fmt.Errorf("discovery: query groups: %w", err)
	}

	var groupIDs []int
	for _, value := range reply.Values {
		id, err := strconv.Atoi(value)
		if err != nil {
			r.logger.Warn("discovery: non-numeric group id skipped", "value", value)
			continue
		}
		groupIDs = append(groupIDs, id)
	}
	r.logger.Info("discovery: groups enumerated", "count", len(groupIDs))

	// Ordered set of member addresses across all groups; discovery
	// order is first-seen order.
	var addresses []Address
	seen := make(map[string]bool)

	for _, id := range groupIDs {
		group := Group{ID: id}

		if existing, ok := r.groups.Get(id); ok {
			group = existing
			group.Members = nil
		}

		members, err := r.discoverGroupMembers(ctx, dispatcher, id)
		if err != nil {
			r.logger.Warn("discovery: group member query failed", "group", id, "error", err)
		}
		group.Members = members

		if !opts.SkipNames {
			if name, err := r.queryGroupName(ctx, dispatcher, id); err != nil {
				r.logger.Warn("discovery: group name query failed", "group", id, "error", err)
			} else {
				group.Name = name
			}
		}

		r.groups.Put(group)

		for _, addr := range members {
			key := DeviceKey(addr)
			if !seen[key] {
				seen[key] = true
				addresses = append(addresses, addr)
			}
		}
	}

	for _, addr := range addresses {
		r.discoverDevice(ctx, dispatcher, addr, opts)
	}

	r.logger.Info("discovery: complete",
		"groups", r.groups.Count(), "devices", r.devices.Count())
	return nil
}

func (r *Router) discoverGroupMembers(ctx context.Context, dispatcher *Dispatcher, id int) ([]Address, error) {
	reply, err := dispatcher.Query(ctx, QueryGroupDevices(id))
	if err != nil {
		return nil, err
	}

	var members []Address
	for _, value := range reply.Values {
		addr, err := ParseAddress(value)
		if err != nil {
			r.logger.Warn("discovery: invalid member address skipped",
				"group", id, "value", value)
			continue
		}
		members = append(members, addr)
	}
	return members, nil
}

func (r *Router) queryGroupName(ctx context.Context, dispatcher *Dispatcher, id int) (string, error) {
	reply, err := dispatcher.Query(ctx, QueryGroupDescription(id))
	if err != nil {
		return "", err
	}
	// Descriptions may contain commas; use the raw answer, not the
	// comma-split values.
	return reply.Answer, nil
}

// discoverDevice classifies one device and records its name and initial
// level. Classification results are cached on the Device until the next
// Discover run.
func (r *Router) discoverDevice(ctx context.Context, dispatcher *Dispatcher, addr Address, opts DiscoverOptions) {
	device, known := r.devices.Get(addr)
	if !known {
		device = Device{Address: addr}
	}

	if reply, err := dispatcher.Query(ctx, QueryDeviceType(addr)); err != nil {
		r.logger.Warn("discovery: device type query failed, defaulting to dimmable load",
			"address", addr.String(), "error", err)
		device.TypeCode = 0
		device.IsLoad = true
		device.IsSwitch = false
		device.IsColor = false
	} else if len(reply.Values) == 0 {
		r.logger.Warn("discovery: empty device type reply, defaulting to dimmable load",
			"address", addr.String())
		device.IsLoad = true
	} else {
		code, err := strconv.Atoi(reply.Values[0])
		if err != nil {
			r.logger.Warn("discovery: non-numeric device type, defaulting to dimmable load",
				"address", addr.String(), "value", reply.Values[0])
			device.IsLoad = true
		} else {
			device.TypeCode = code
			device.IsLoad, device.IsSwitch, device.IsColor = ClassifyTypeCode(code)
		}
	}

	if !opts.SkipNames {
		if reply, err := dispatcher.Query(ctx, QueryDeviceDescription(addr)); err != nil {
			r.logger.Warn("discovery: device name query failed",
				"address", addr.String(), "error", err)
		} else {
			device.Name = reply.Answer
		}
	}

	if device.IsLoad {
		if reply, err := dispatcher.Query(ctx, QueryLoadLevel(addr)); err != nil {
			r.logger.Warn("discovery: load level query failed",
				"address", addr.String(), "error", err)
		} else if len(reply.Values) > 0 {
			if level, err := strconv.ParseFloat(reply.Values[0], 64); err == nil {
				device.LoadLevel = clampLevel(level)
			}
		}
	}

	r.devices.Put(device)
}
