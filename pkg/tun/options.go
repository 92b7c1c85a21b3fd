package tun

type Option func(*TunDevice)

func WithName(name string) Option {
	return func(t *TunDevice) {
		t.name = name
	}
}

func WithMTU(mtu int) Option {
	return func(t *TunDevice) {
		t.mtu = mtu
	}
}

// WithAddress sets the interface address in CIDR notation.
func WithAddress(addr string) Option {
	return func(t *TunDevice) {
		t.address = addr
	}
}
