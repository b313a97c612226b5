package sipbridge

import (
	"fmt"

	"github.com/pion/stun"
)

// stunPublicIP asks a STUN server for our server-reflexive address so
// the bridge can advertise a routable IP from behind NAT.
func stunPublicIP(server string) (string, error) {
	c, err := stun.Dial("udp4", server)
	if err != nil {
		return "", fmt.Errorf("stun dial: %w", err)
	}
	defer c.Close()

	var ip string
	var bindErr error
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if err := c.Do(msg, func(res stun.Event) {
		if res.Error != nil {
			bindErr = res.Error
			return
		}
		var addr stun.XORMappedAddress
		if err := addr.GetFrom(res.Message); err != nil {
			bindErr = err
			return
		}
		ip = addr.IP.String()
	}); err != nil {
		return "", fmt.Errorf("stun binding: %w", err)
	}
	if bindErr != nil {
		return "", fmt.Errorf("stun binding: %w", bindErr)
	}
	return ip, nil
}
