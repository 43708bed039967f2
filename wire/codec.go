// Codec: marshals a NetRequest to and from the wire using
// google.golang.org/protobuf's well-known structpb.Struct as a schemaless
// envelope — a total serialize/unserialize pair over NetRequest, Location
// and remote Handles, opaque in format but exact in field round-trip.
package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drep-project/discoro/location"
)

// Serialize renders req as bytes suitable for NetIO.SendMsg.
func Serialize(req *NetRequest) ([]byte, error) {
	m, err := reqToMap(req)
	if err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return proto.Marshal(s)
}

// Unserialize parses bytes produced by Serialize back into a NetRequest.
func Unserialize(data []byte) (*NetRequest, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return mapToReq(s.AsMap())
}

func reqToMap(req *NetRequest) (map[string]any, error) {
	m := map[string]any{
		"name":   string(req.Name),
		"auth":   req.Auth,
		"id":     req.ID,
		"kwargs": anyMapToValueMap(req.Kwargs),
	}
	if req.Src != nil {
		m["src"] = locToMap(*req.Src)
	}
	if req.Dst != nil {
		m["dst"] = locToMap(*req.Dst)
	}
	if req.Timeout != nil {
		m["timeout"] = req.Timeout.Seconds()
	}
	if req.Reply != nil {
		rv, err := valueToWire(req.Reply)
		if err != nil {
			return nil, err
		}
		m["reply"] = rv
	}
	return m, nil
}

func mapToReq(m map[string]any) (*NetRequest, error) {
	req := &NetRequest{}
	if name, ok := m["name"].(string); ok {
		req.Name = Verb(name)
	}
	if auth, ok := m["auth"].(string); ok {
		req.Auth = auth
	}
	if id, ok := m["id"].(string); ok {
		req.ID = id
	}
	if src, ok := m["src"].(map[string]any); ok {
		loc := mapToLoc(src)
		req.Src = &loc
	}
	if dst, ok := m["dst"].(map[string]any); ok {
		loc := mapToLoc(dst)
		req.Dst = &loc
	}
	if t, ok := m["timeout"].(float64); ok {
		d := time.Duration(t * float64(time.Second))
		req.Timeout = &d
	}
	if kw, ok := m["kwargs"].(map[string]any); ok {
		req.Kwargs = valueMapToAnyMap(kw)
	}
	if reply, ok := m["reply"]; ok {
		v, err := wireToValue(reply)
		if err != nil {
			return nil, err
		}
		req.Reply = v
	}
	return req, nil
}

func locToMap(loc location.Location) map[string]any {
	return map[string]any{"addr": loc.Addr, "port": float64(loc.Port)}
}

func mapToLoc(m map[string]any) location.Location {
	addr, _ := m["addr"].(string)
	port, _ := m["port"].(float64)
	return location.Location{Addr: addr, Port: uint16(port)}
}

func handleToMap(h Handle) map[string]any {
	return map[string]any{
		"__type":     "handle",
		"kind":       string(h.Kind),
		"id_or_name": h.IDOrName,
		"location":   locToMap(h.Location),
	}
}

func mapToHandle(m map[string]any) Handle {
	loc := location.Location{}
	if l, ok := m["location"].(map[string]any); ok {
		loc = mapToLoc(l)
	}
	kind, _ := m["kind"].(string)
	idOrName, _ := m["id_or_name"].(string)
	return Handle{Kind: HandleKind(kind), IDOrName: idOrName, Location: loc}
}

// valueToWire adapts an arbitrary Reply value (nil, int, string, bool,
// Handle, *ErrValue, or a plain map/slice already shaped from Kwargs) into
// something structpb.NewStruct accepts.
func valueToWire(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Handle:
		return handleToMap(t), nil
	case *ErrValue:
		return map[string]any{"__type": "error", "message": t.Message}, nil
	case error:
		return map[string]any{"__type": "error", "message": t.Error()}, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case location.Location:
		m := locToMap(t)
		m["__type"] = "location"
		return m, nil
	default:
		return v, nil
	}
}

func wireToValue(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	switch m["__type"] {
	case "handle":
		return mapToHandle(m), nil
	case "error":
		msg, _ := m["message"].(string)
		return &ErrValue{Message: msg}, nil
	case "location":
		return mapToLoc(m), nil
	default:
		return valueMapToAnyMap(m), nil
	}
}

func anyMapToValueMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		wv, err := valueToWire(v)
		if err != nil {
			wv = fmt.Sprintf("%v", v)
		}
		out[k] = wv
	}
	return out
}

func valueMapToAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		wv, err := wireToValue(v)
		if err != nil {
			wv = v
		}
		out[k] = wv
	}
	return out
}
