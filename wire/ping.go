package wire

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drep-project/discoro/location"
)

// PingPrefix is the literal 5-byte prefix every UDP discovery datagram
// begins with; anything else on the discovery port is ignored.
const PingPrefix = "ping:"

// PingInfo is the {location, signature, version} dict carried after
// PingPrefix.
type PingInfo struct {
	Location  location.Location
	Signature string
	Version   string
}

// EncodePing renders info as a ping: datagram payload.
func EncodePing(info PingInfo) ([]byte, error) {
	m := map[string]any{
		"location":  locToMap(info.Location),
		"signature": info.Signature,
		"version":   info.Version,
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode ping: %w", err)
	}
	body, err := proto.Marshal(s)
	if err != nil {
		return nil, err
	}
	return append([]byte(PingPrefix), body...), nil
}

// DecodePing parses a UDP datagram expected to start with PingPrefix.
func DecodePing(datagram []byte) (PingInfo, error) {
	if len(datagram) < len(PingPrefix) || string(datagram[:len(PingPrefix)]) != PingPrefix {
		return PingInfo{}, fmt.Errorf("wire: not a ping datagram")
	}
	var s structpb.Struct
	if err := proto.Unmarshal(datagram[len(PingPrefix):], &s); err != nil {
		return PingInfo{}, fmt.Errorf("wire: decode ping: %w", err)
	}
	m := s.AsMap()
	info := PingInfo{}
	if loc, ok := m["location"].(map[string]any); ok {
		info.Location = mapToLoc(loc)
	}
	info.Signature, _ = m["signature"].(string)
	info.Version, _ = m["version"].(string)
	return info, nil
}
