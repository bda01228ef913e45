package audit

import (
	"strings"

	"auction-tracker/backend/internal/audit/domain"
)

// ActionResource holds action and resource derived from a gRPC full method name.
type ActionResource struct {
	Action   string
	Resource string
}

// PeerService Connect opens a persistent peer stream.
const peerServiceConnect = "/auctiontracker.v1.PeerService/Connect"

// ParseFullMethod returns action and resource for a gRPC full method (e.g. /auctiontracker.v1.PeerService/Connect).
// Action is a verb derived from the method name; resource is derived from the service name
// (e.g. PeerService -> peer).
func ParseFullMethod(fullMethod string) ActionResource {
	if fullMethod == peerServiceConnect {
		return ActionResource{Action: domain.ActionStreamOpened, Resource: "peer"}
	}
	// fullMethod format: /package.v1.ServiceName/MethodName
	slash := strings.LastIndex(fullMethod, "/")
	if slash < 0 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	method := fullMethod[slash+1:]
	beforeSlash := fullMethod[:slash]
	dot := strings.LastIndex(beforeSlash, ".")
	if dot < 0 {
		return ActionResource{Action: strings.ToLower(method), Resource: "unknown"}
	}
	return ActionResource{Action: methodToAction(method), Resource: serviceToResource(beforeSlash[dot+1:])}
}

func serviceToResource(serviceName string) string {
	// PeerService -> peer, HealthService -> health
	s := strings.TrimSuffix(serviceName, "Service")
	if s == "" {
		return "unknown"
	}
	return strings.ToLower(s[0:1]) + s[1:]
}

func methodToAction(method string) string {
	switch {
	case strings.HasPrefix(method, "Get") && method != "Get":
		return "get"
	case strings.HasPrefix(method, "List"):
		return "list"
	case strings.HasPrefix(method, "Connect"):
		return "connect"
	case strings.HasPrefix(method, "Watch"):
		return "watch"
	case strings.HasPrefix(method, "Check"):
		return "check"
	default:
		return strings.ToLower(method)
	}
}
