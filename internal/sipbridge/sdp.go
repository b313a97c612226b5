package sipbridge

import (
	"fmt"
	"strconv"
	"time"

	psdp "github.com/pion/sdp/v3"

	"github.com/sebas/maitred/internal/media"
)

// codecPreference orders negotiation: µ-law first, A-law fallback.
var codecPreference = []media.Codec{media.CodecPCMU, media.CodecPCMA}

// buildSDP produces an offer or answer advertising our RTP endpoint and
// the given codecs.
func buildSDP(localIP string, rtpPort int, codecs []media.Codec) ([]byte, error) {
	formats := make([]string, 0, len(codecs))
	attrs := make([]psdp.Attribute, 0, len(codecs)+2)
	for _, c := range codecs {
		pt := strconv.Itoa(int(c.PayloadType))
		formats = append(formats, pt)
		attrs = append(attrs, psdp.NewAttribute("rtpmap", fmt.Sprintf("%s %s/%d", pt, c.Name, c.SampleRate)))
	}
	attrs = append(attrs,
		psdp.NewAttribute("ptime", "20"),
		psdp.NewAttribute("sendrecv", ""),
	)

	sessID := uint64(time.Now().UnixNano())
	sd := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      sessID,
			SessionVersion: sessID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "maitred",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: localIP},
		},
		TimeDescriptions: []psdp.TimeDescription{{}},
		MediaDescriptions: []*psdp.MediaDescription{{
			MediaName: psdp.MediaName{
				Media:   "audio",
				Port:    psdp.RangedPort{Value: rtpPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}

	return sd.Marshal()
}

// negotiateSDP extracts the remote RTP endpoint from an offer or answer
// and picks our most preferred codec among the remote's formats.
func negotiateSDP(body []byte) (remoteAddr string, remotePort int, codec media.Codec, err error) {
	sd := &psdp.SessionDescription{}
	if err = sd.Unmarshal(body); err != nil {
		return "", 0, media.Codec{}, fmt.Errorf("parse SDP: %w", err)
	}

	if len(sd.MediaDescriptions) == 0 {
		return "", 0, media.Codec{}, fmt.Errorf("no media descriptions in SDP")
	}
	md := sd.MediaDescriptions[0]
	remotePort = md.MediaName.Port.Value

	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		remoteAddr = md.ConnectionInformation.Address.Address
	} else if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		remoteAddr = sd.ConnectionInformation.Address.Address
	}
	if remoteAddr == "" {
		return "", 0, media.Codec{}, fmt.Errorf("no connection address in SDP")
	}

	for _, pref := range codecPreference {
		pt := strconv.Itoa(int(pref.PayloadType))
		for _, f := range md.MediaName.Formats {
			if f == pt {
				return remoteAddr, remotePort, pref, nil
			}
		}
	}
	return "", 0, media.Codec{}, fmt.Errorf("no supported codec among %v", md.MediaName.Formats)
}
