package output

import (
	"github.com/zsiec/corelive/internal/scte35"
)

// SpliceSink receives decoded SCTE-35 splice commands for out-of-band
// forwarding (e.g. onto a manifest or side-channel track); it is the
// caller's concern how a splice event reaches the viewer.
type SpliceSink interface {
	OnSpliceCommand(cmd scte35.SpliceCommand)
}

// SetSpliceSink installs a side-channel sink for SCTE-35 splice events.
// A nil sink disables forwarding.
func (o *Output) SetSpliceSink(sink SpliceSink) {
	o.mu.Lock()
	o.spliceSink = sink
	o.mu.Unlock()
}

// HandleSplice decodes a raw SCTE-35 splice_info_section and forwards
// it to the installed SpliceSink, if any (spec §9 "Captions" sibling
// side-channel: splice events ride alongside the interleaved packet
// stream rather than through it).
func (o *Output) HandleSplice(raw []byte) error {
	sis, err := scte35.DecodeBytes(raw)
	if err != nil {
		return err
	}
	o.mu.Lock()
	sink := o.spliceSink
	o.mu.Unlock()
	if sink != nil {
		sink.OnSpliceCommand(sis.SpliceCommand)
	}
	return nil
}
