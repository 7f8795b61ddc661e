package helvarnet

import (
	"fmt"
	"strconv"
	"strings"
)

// Frame sigils and terminator per the HelvarNet ASCII protocol.
const (
	// SigilCommand starts an outgoing command frame.
	SigilCommand = '>'

	// SigilQuery starts an outgoing query frame. Successful replies echo
	// the query with the same sigil and an appended "=answer".
	SigilQuery = '?'

	// SigilReply starts router-initiated frames: error replies (with
	// "=code") and asynchronous notifications (without "=").
	SigilReply = '!'

	// Terminator ends every frame.
	Terminator = '#'
)

// Parameter keys used in frames. Addresses use the bare "@" prefix
// instead of a key:value pair.
const (
	ParamVersion   = "V"
	ParamCommand   = "C"
	ParamGroup     = "G"
	ParamLevel     = "L"
	ParamFadeTime  = "F"
	ParamColorTemp = "T"
	ParamColorX    = "X"
	ParamColorY    = "Y"
	ParamScene     = "S"
	ParamBlock     = "B"
)

// ProtocolVersion is the HelvarNet protocol version sent in every frame.
const ProtocolVersion = 2

// Param is a single key:value field within a frame.
type Param struct {
	Key   string
	Value string
}

// Command describes an outgoing command or query.
//
// Exactly one of Address and Group should be set for addressed
// operations; both may be empty for router-wide queries (e.g. query
// groups). Params carries command-specific fields in wire order.
type Command struct {
	Number  int
	Address Address // zero value = no device address
	Group   int     // 0 = no group
	Params  []Param
}

// TargetKey returns the correlation key for this command: the wire form
// of its device address or group, or "" for router-wide commands.
// The dispatcher matches replies by (command number, target key).
func (c Command) TargetKey() string {
	if !c.Address.IsZero() {
		return c.Address.Wire()
	}
	if c.Group != 0 {
		return ParamGroup + ":" + strconv.Itoa(c.Group)
	}
	return ""
}

// Encode returns the command as a wire frame with the given sigil.
func (c Command) encode(sigil byte) string {
	var b strings.Builder
	b.WriteByte(sigil)
	b.WriteString(ParamVersion)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(ProtocolVersion))
	b.WriteByte(',')
	b.WriteString(ParamCommand)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(c.Number))
	if c.Group != 0 {
		b.WriteByte(',')
		b.WriteString(ParamGroup)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(c.Group))
	}
	if !c.Address.IsZero() {
		b.WriteByte(',')
		b.WriteString(c.Address.Wire())
	}
	for _, p := range c.Params {
		b.WriteByte(',')
		b.WriteString(p.Key)
		b.WriteByte(':')
		b.WriteString(p.Value)
	}
	b.WriteByte(Terminator)
	return b.String()
}

// EncodeCommand encodes c as a fire-and-forget command frame (">…#").
func EncodeCommand(c Command) string {
	return c.encode(SigilCommand)
}

// EncodeQuery encodes c as a query frame ("?…#").
func EncodeQuery(c Command) string {
	return c.encode(SigilQuery)
}

// Message is a decoded incoming frame: QueryReply, CommandReply, or
// Notification.
type Message interface {
	// Key returns the correlation key (command number, target) used by
	// the dispatcher wait table.
	Key() (command int, target string)
}

// QueryReply is a successful reply to a query: the query echoed back
// with "=answer" appended.
type QueryReply struct {
	Command int
	Group   int
	Address Address
	Target  string // wire-form target ("@1.2.3.4", "G:5", or "")

	// Answer is the raw text after "=". Values splits it on commas;
	// free-text answers (descriptions) should use Answer directly.
	Answer string
	Values []string

	Raw string
}

// Key implements Message.
func (r QueryReply) Key() (int, string) { return r.Command, r.Target }

// CommandReply is an error reply from the router: the original frame
// echoed with "!" and "=code" appended. Status is the router error code.
type CommandReply struct {
	Command int
	Group   int
	Address Address
	Target  string
	Status  int
	Raw     string
}

// Key implements Message.
func (r CommandReply) Key() (int, string) { return r.Command, r.Target }

// Notification is an asynchronous state broadcast from the router, such
// as a level change or scene recall executed on behalf of another
// controller. Event is the broadcast command number.
type Notification struct {
	Event   int
	Group   int
	Address Address
	Target  string

	// Params holds the remaining key:value fields (level, fade, scene…).
	Params map[string]string

	Raw string
}

// Key implements Message.
func (n Notification) Key() (int, string) { return n.Event, n.Target }

// Level returns the L parameter as a float, if present and numeric.
func (n Notification) Level() (float64, bool) {
	return n.floatParam(ParamLevel)
}

// ColorTemp returns the T parameter (mireds), if present.
func (n Notification) ColorTemp() (int, bool) {
	return n.intParam(ParamColorTemp)
}

// XY returns the X and Y chromaticity parameters, if both present.
func (n Notification) XY() (x, y float64, ok bool) {
	x, okX := n.floatParam(ParamColorX)
	y, okY := n.floatParam(ParamColorY)
	return x, y, okX && okY
}

// Scene returns the S parameter, if present.
func (n Notification) Scene() (int, bool) {
	return n.intParam(ParamScene)
}

func (n Notification) floatParam(key string) (float64, bool) {
	s, ok := n.Params[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (n Notification) intParam(key string) (int, bool) {
	s, ok := n.Params[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// decodedHead holds the comma-separated fields before any "=".
type decodedHead struct {
	command    int
	hasCommand bool
	group      int
	address    Address
	hasAddress bool
	params     map[string]string
}

// numericIntKeys are head parameter keys whose values must parse as
// integers. Level and chromaticity values are validated as floats.
var numericIntKeys = map[string]bool{
	ParamVersion:   true,
	ParamCommand:   true,
	ParamGroup:     true,
	ParamFadeTime:  true,
	ParamColorTemp: true,
	ParamScene:     true,
	ParamBlock:     true,
}

var numericFloatKeys = map[string]bool{
	ParamLevel:  true,
	ParamColorX: true,
	ParamColorY: true,
}

// DecodeFrame parses a complete incoming frame into a Message.
//
// Decoding rules:
//   - "?…=answer#" → QueryReply
//   - "!…=code#"   → CommandReply (router error reply)
//   - "!…#" or ">…#" without "=" → Notification (router broadcast)
//
// Returns ErrMalformedFrame if the frame lacks the "#" terminator, has
// an unrecognised leading sigil, or carries a non-numeric value in a
// numeric field.
func DecodeFrame(frame string) (Message, error) {
	frame = strings.TrimSpace(frame)
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformedFrame, len(frame))
	}
	if frame[len(frame)-1] != Terminator {
		return nil, fmt.Errorf("%w: missing %q terminator", ErrMalformedFrame, string(Terminator))
	}

	sigil := frame[0]
	body := frame[1 : len(frame)-1]

	head := body
	answer := ""
	hasAnswer := false
	if i := strings.IndexByte(body, '='); i >= 0 {
		head = body[:i]
		answer = body[i+1:]
		hasAnswer = true
	}

	h, err := parseHead(head)
	if err != nil {
		return nil, err
	}
	if !h.hasCommand {
		return nil, fmt.Errorf("%w: missing command number", ErrMalformedFrame)
	}

	target := ""
	switch {
	case h.hasAddress:
		target = h.address.Wire()
	case h.group != 0:
		target = ParamGroup + ":" + strconv.Itoa(h.group)
	}

	switch sigil {
	case SigilQuery:
		if !hasAnswer {
			return nil, fmt.Errorf("%w: query echo without answer", ErrMalformedFrame)
		}
		return QueryReply{
			Command: h.command,
			Group:   h.group,
			Address: h.address,
			Target:  target,
			Answer:  answer,
			Values:  splitValues(answer),
			Raw:     frame,
		}, nil

	case SigilReply:
		if hasAnswer {
			status, err := strconv.Atoi(answer)
			if err != nil {
				return nil, fmt.Errorf("%w: non-numeric error code %q", ErrMalformedFrame, answer)
			}
			return CommandReply{
				Command: h.command,
				Group:   h.group,
				Address: h.address,
				Target:  target,
				Status:  status,
				Raw:     frame,
			}, nil
		}
		return Notification{
			Event:   h.command,
			Group:   h.group,
			Address: h.address,
			Target:  target,
			Params:  h.params,
			Raw:     frame,
		}, nil

	case SigilCommand:
		// Routers broadcast commands they execute for other controllers
		// (scene recalls, direct levels). Treat them as notifications.
		if hasAnswer {
			return nil, fmt.Errorf("%w: command frame with answer", ErrMalformedFrame)
		}
		return Notification{
			Event:   h.command,
			Group:   h.group,
			Address: h.address,
			Target:  target,
			Params:  h.params,
			Raw:     frame,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unrecognised sigil %q", ErrMalformedFrame, string(sigil))
	}
}

// parseHead parses the comma-separated fields before any "=".
func parseHead(head string) (decodedHead, error) {
	h := decodedHead{params: make(map[string]string)}

	for _, field := range strings.Split(head, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		if field[0] == '@' {
			addr, err := ParseAddress(field)
			if err != nil {
				return h, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			h.address = addr
			h.hasAddress = true
			continue
		}

		key, value, ok := strings.Cut(field, ":")
		if !ok {
			return h, fmt.Errorf("%w: field %q is not key:value", ErrMalformedFrame, field)
		}

		if numericIntKeys[key] {
			n, err := strconv.Atoi(value)
			if err != nil {
				return h, fmt.Errorf("%w: non-numeric %s field %q", ErrMalformedFrame, key, value)
			}
			switch key {
			case ParamCommand:
				h.command = n
				h.hasCommand = true
				continue
			case ParamGroup:
				h.group = n
				continue
			case ParamVersion:
				continue
			}
		} else if numericFloatKeys[key] {
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				return h, fmt.Errorf("%w: non-numeric %s field %q", ErrMalformedFrame, key, value)
			}
		}

		h.params[key] = value
	}

	return h, nil
}

// splitValues splits a reply answer on commas. Empty answers yield nil
// so callers can range without a length check.
func splitValues(answer string) []string {
	if answer == "" {
		return nil
	}
	return strings.Split(answer, ",")
}
