// Package errors implements the three-class error taxonomy used across the
// plotter: Transient (retry), Invalid (drop the input) and Fatal (stop the
// component or connection).
//
// # Usage
//
//	if err := ring.Write(chunk); err != nil {
//	    return errors.WrapFatal(err, "tcp-input", "receive", "ring write")
//	}
//
//	if errors.IsFatal(err) {
//	    conn.Close()
//	}
//
// Wrapped errors keep the chain, so errors.Is(err, errors.ErrBufferOverrun)
// still matches after classification. Protocol desyncs are not errors at this
// layer: the decoder resynchronizes silently and only counts them.
package errors
