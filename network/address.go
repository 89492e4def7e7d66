package network

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// ConnType is a type to represent what is the type of a Conn.
type ConnType string

// Address contains the ConnType and the actual network address. It is used
// to connect to the facility and to listen for voters.
// A network address is comprised of the IP address or host name and the port
// number joined by a colon.
type Address string

const (
	// PlainTCP represents a vanilla TCP connection
	PlainTCP ConnType = "tcp"
	// InvalidConnType represents a non valid connection type
	InvalidConnType = "wrong"
)

// typeAddressSep is the separator between the type of connection and the actual
// ip address.
const typeAddressSep = "://"

func connType(t string) ConnType {
	if ConnType(t) == PlainTCP {
		return PlainTCP
	}
	return InvalidConnType
}

// ConnType returns the connection type from this address.
func (a Address) ConnType() ConnType {
	if !a.Valid() {
		return InvalidConnType
	}
	return connType(strings.Split(string(a), typeAddressSep)[0])
}

// NetworkAddress returns the network address part of an Address. That includes
// the host and the port joined by a colon.
// It returns an empty string if the a.Valid() returns false.
func (a Address) NetworkAddress() string {
	if !a.Valid() {
		return ""
	}
	return strings.Split(string(a), typeAddressSep)[1]
}

// Valid returns true if the address is well formed or false otherwise.
// An address is well formed if it is of the form: ConnType://host:port,
// ex. tcp://192.168.1.10:5678. The host can be an IP address, localhost or
// any DNS name.
func (a Address) Valid() bool {
	vals := strings.Split(string(a), typeAddressSep)
	if len(vals) != 2 {
		return false
	}
	if connType(vals[0]) == InvalidConnType {
		return false
	}

	host, port, e := net.SplitHostPort(vals[1])
	if e != nil {
		return false
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return false
	}
	if strings.Count(host, ".") == 3 && net.ParseIP(host) == nil {
		// looks like an IPv4 address but isn't one
		return false
	}
	return host == "" || !strings.ContainsAny(host, " /")
}

func (a Address) String() string {
	return string(a)
}

// Host returns the host part of the address.
// ex: "tcp://127.0.0.1:2000" => "127.0.0.1"
func (a Address) Host() string {
	h, _, e := net.SplitHostPort(a.NetworkAddress())
	if e != nil {
		return ""
	}
	return h
}

// Port will return the port part of the Address
func (a Address) Port() string {
	_, p, e := net.SplitHostPort(a.NetworkAddress())
	if e != nil {
		return ""
	}
	return p
}

// NewAddress takes a connection type and the raw address. It returns a
// correctly formatted address, which will be of type t.
func NewAddress(t ConnType, network string) Address {
	return Address(string(t) + typeAddressSep + network)
}

// NewTCPAddress returns a new Address that has type PlainTCP with the given
// network address.
func NewTCPAddress(addr string) Address {
	return NewAddress(PlainTCP, addr)
}

// ParsePort parses a port given on the command line. Port 0 is refused, a
// listener needs a port the voters can be told about.
func ParsePort(s string) (int, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, xerrors.Errorf("invalid port %q: %v", s, err)
	}
	if p == 0 {
		return 0, xerrors.Errorf("invalid port %q", s)
	}
	return int(p), nil
}
