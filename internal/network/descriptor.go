package network

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DeviceDescriptor is the identity and transport of one producer.
type DeviceDescriptor struct {
	Index int  `json:"index"`
	Local bool `json:"local"`
	// ReadingInterface is the host interface index the reading address was
	// resolved from, or -1 when the address was given literally.
	ReadingInterface int    `json:"reading_interface"`
	ReadingAddress   string `json:"reading_address"`
	ReadingPort      int    `json:"reading_port"`
	SendingAddress   string `json:"sending_address"`
	SendingPort      int    `json:"sending_port"`
}

// ReadingEndpoint is the local host:port frames are received on.
func (d DeviceDescriptor) ReadingEndpoint() string {
	return net.JoinHostPort(d.ReadingAddress, strconv.Itoa(d.ReadingPort))
}

// SendingEndpoint is the device host:port commands are sent to.
func (d DeviceDescriptor) SendingEndpoint() string {
	return net.JoinHostPort(d.SendingAddress, strconv.Itoa(d.SendingPort))
}

// InterfaceResolver maps a host interface index to an IPv4 address.
type InterfaceResolver func(index int) (string, error)

// HostInterfaceAddress resolves index against the IPv4 addresses of the
// host's interfaces, in the order the OS reports them.
func HostInterfaceAddress(index int) (string, error) {
	addrs, err := hostIPv4Addresses()
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(addrs) {
		return "", errors.Wrapf(ErrConfig, "interface index %d out of range (%d IPv4 addresses)", index, len(addrs))
	}
	return addrs[index], nil
}

func hostIPv4Addresses() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list network interfaces")
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				if ip4 := ipNet.IP.To4(); ip4 != nil {
					out = append(out, ip4.String())
				}
			}
		}
	}
	return out, nil
}

// LoadDescriptors reads a network configuration file.
func LoadDescriptors(path string, resolve InterfaceResolver) ([]DeviceDescriptor, error) {
	if path == "" {
		return nil, errors.Wrap(ErrConfig, "network configuration path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "failed to open network configuration %s: %v", path, err)
	}
	defer f.Close()

	descs, err := ParseDescriptors(f, resolve)
	if err != nil {
		return nil, errors.Wrapf(err, "network configuration %s", path)
	}
	return descs, nil
}

// ParseDescriptors reads one device per line:
//
//	local
//	remote <interface-index|address> <reading-port> <sending-address|localhost> <sending-port>
//
// Blank lines and lines starting with # are ignored. A local line may carry
// the same transport fields; they are kept but unused.
func ParseDescriptors(r io.Reader, resolve InterfaceResolver) ([]DeviceDescriptor, error) {
	if resolve == nil {
		resolve = HostInterfaceAddress
	}

	var descs []DeviceDescriptor
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		d, err := parseDescriptorLine(strings.Fields(line), resolve)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		d.Index = len(descs)
		descs = append(descs, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(ErrConfig, "failed to read network configuration: %v", err)
	}
	if len(descs) == 0 {
		return nil, errors.Wrap(ErrConfig, "no devices declared")
	}
	return descs, nil
}

func parseDescriptorLine(fields []string, resolve InterfaceResolver) (DeviceDescriptor, error) {
	d := DeviceDescriptor{ReadingInterface: -1}
	switch strings.ToLower(fields[0]) {
	case "local":
		d.Local = true
		if len(fields) == 1 {
			return d, nil
		}
	case "remote":
	default:
		return d, errors.Wrapf(ErrConfig, "unknown device type %q", fields[0])
	}

	if len(fields) != 5 {
		return d, errors.Wrapf(ErrConfig, "expected 5 fields, got %d", len(fields))
	}

	if idx, err := strconv.Atoi(fields[1]); err == nil {
		addr, err := resolve(idx)
		if err != nil {
			return d, errors.Wrapf(ErrConfig, "reading interface %d: %v", idx, err)
		}
		d.ReadingInterface = idx
		d.ReadingAddress = addr
	} else {
		d.ReadingAddress = fields[1]
	}

	var err error
	if d.ReadingPort, err = parsePort(fields[2], true); err != nil {
		return d, errors.Wrap(err, "reading port")
	}

	d.SendingAddress = fields[3]
	if strings.EqualFold(d.SendingAddress, "localhost") {
		d.SendingAddress = "127.0.0.1"
	}
	if d.SendingPort, err = parsePort(fields[4], false); err != nil {
		return d, errors.Wrap(err, "sending port")
	}
	return d, nil
}

func parsePort(s string, allowZero bool) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 || (port == 0 && !allowZero) {
		return 0, errors.Wrapf(ErrConfig, "invalid port %q", s)
	}
	return port, nil
}
