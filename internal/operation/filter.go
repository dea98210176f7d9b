package operation

import (
	"context"
	"sort"

	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

// Filter selects the set of hosts an Operation targets. Fields are tried
// in priority order and the first non-empty one wins:
// macs[], then hostnames[], then hostgroup and/or room.
type Filter struct {
	MACs      []string
	Hostnames []string
	Hostgroup string
	Room      string
}

func (f Filter) empty() bool {
	return len(f.MACs) == 0 && len(f.Hostnames) == 0 && f.Hostgroup == "" && f.Room == ""
}

// ResolveHosts applies f against the currently synced host set: an empty
// filter is a Validation error, an ambiguous hostname is a Conflict, and
// no match is a NotFound.
func (e *Engine) ResolveHosts(ctx context.Context, f Filter) ([]*model.Host, error) {
	if f.empty() {
		return nil, ctrlerr.Validation("operation filter must set macs, hostnames, hostgroup, or room")
	}

	var matched []*model.Host

	switch {
	case len(f.MACs) > 0:
		for _, mac := range f.MACs {
			h, err := e.hosts.HostByMAC(ctx, model.NormalizeMAC(mac))
			if err != nil {
				return nil, ctrlerr.WrapInternal(err, "looking up host by mac")
			}
			if h != nil {
				matched = append(matched, h)
			}
		}

	case len(f.Hostnames) > 0:
		all, err := e.hosts.Hosts(ctx)
		if err != nil {
			return nil, ctrlerr.WrapInternal(err, "listing hosts")
		}
		for _, hostname := range f.Hostnames {
			var found []*model.Host
			for _, h := range all {
				if h.Hostname == hostname {
					found = append(found, h)
				}
			}
			if len(found) > 1 {
				return nil, ctrlerr.Conflict("hostname %q resolves to more than one host", hostname)
			}
			matched = append(matched, found...)
		}

	default:
		all, err := e.hosts.Hosts(ctx)
		if err != nil {
			return nil, ctrlerr.WrapInternal(err, "listing hosts")
		}
		for _, h := range all {
			if f.Hostgroup != "" && h.HostGroup() != f.Hostgroup {
				continue
			}
			if f.Room != "" && h.Metadata.Room() != f.Room {
				continue
			}
			matched = append(matched, h)
		}
	}

	if len(matched) == 0 {
		return nil, ctrlerr.NotFound("no hosts matched the operation filter")
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Hostname < matched[j].Hostname })
	return matched, nil
}
