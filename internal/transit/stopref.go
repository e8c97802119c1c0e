package transit

import "strings"

type StopRefKind int

const (
	StopRefNone StopRefKind = iota
	StopRefReal
	StopRefEndpoint
)

type Endpoint int

const (
	RouteSource Endpoint = iota + 1
	RouteDestination
)

// Wire values the operator screen stores in vehicles.manual_stop_id for the
// two route ends, which have no row in stops.
const (
	sourceNodeID = "source-node"
	destNodeID   = "dest-node"
)

// StopRef is either a real stop id or one end of the vehicle's route.
type StopRef struct {
	Kind     StopRefKind
	StopID   string
	Endpoint Endpoint
}

func ParseStopRef(raw *string) StopRef {
	if raw == nil {
		return StopRef{}
	}
	s := strings.TrimSpace(*raw)
	switch s {
	case "":
		return StopRef{}
	case sourceNodeID:
		return StopRef{Kind: StopRefEndpoint, Endpoint: RouteSource}
	case destNodeID:
		return StopRef{Kind: StopRefEndpoint, Endpoint: RouteDestination}
	default:
		return StopRef{Kind: StopRefReal, StopID: s}
	}
}

// Label returns the route label an endpoint ref stands for, or "".
func (r StopRef) Label(route *Route) string {
	if r.Kind != StopRefEndpoint || route == nil {
		return ""
	}
	if r.Endpoint == RouteSource {
		return route.Source
	}
	return route.Destination
}
