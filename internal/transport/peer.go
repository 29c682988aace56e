package transport

// UnknownDeviceName is shown for peers that did not report a name.
const UnknownDeviceName = "Unknown Device"

// Peer represents the minimum information needed to display and connect.
//
// Address is the stable identifier handed back to Dial: a Bluetooth MAC or
// BlueZ object path for bluez, host:port for tcp, a host name for mem.
type Peer struct {
    Name    string
    Address string
}

// DisplayName returns Name, or UnknownDeviceName when the peer has none.
func (p Peer) DisplayName() string {
    if p.Name == "" {
        return UnknownDeviceName
    }
    return p.Name
}

func (p Peer) String() string {
    if p.Address == "" {
        return p.DisplayName()
    }
    return p.DisplayName() + " (" + p.Address + ")"
}
