package sim

import (
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/udprx"
)

// pump streams datagrams to one destination at the programmed sample rate.
type pump struct {
	conn net.Conn
	sent atomic.Uint64
	quit chan struct{}
	wg   sync.WaitGroup
}

func startPump(dest string, rate uint32, channels int, toneHz, amplitude float64, log logging.Logger) (*pump, error) {
	if rate == 0 {
		return nil, fmt.Errorf("sim: sample rate is zero")
	}
	if channels < 1 {
		channels = 1
	}
	conn, err := net.Dial("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("sim: dial stream %s: %w", dest, err)
	}
	p := &pump{conn: conn, quit: make(chan struct{})}
	p.wg.Add(1)
	go p.run(float64(rate), channels, toneHz, amplitude, log)
	return p, nil
}

func (p *pump) stop() {
	close(p.quit)
	p.wg.Wait()
	_ = p.conn.Close()
}

// run sends as many datagrams as the elapsed time calls for on every tick.
func (p *pump) run(rate float64, channels int, toneHz, amplitude float64, log logging.Logger) {
	defer p.wg.Done()

	pairs := udprx.ShortsPerPacket / 2 / channels
	chans := make([][]int16, channels)
	for ch := range chans {
		chans[ch] = make([]int16, 2*pairs)
	}

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	var sample int64
	var seq uint16
	for {
		due := int64(time.Since(start).Seconds() * rate)
		for sample <= due {
			for ch := range chans {
				step := 2 * math.Pi * toneHz * float64(ch+1) / rate
				for i := 0; i < pairs; i++ {
					phase := step * float64(sample+int64(i))
					chans[ch][2*i] = scale(amplitude * math.Cos(phase))
					chans[ch][2*i+1] = scale(amplitude * math.Sin(phase))
				}
			}
			if _, err := p.conn.Write(udprx.EncodePacket(seq, chans)); err != nil {
				log.Debug("stream write failed", logging.F("error", err))
			} else {
				p.sent.Add(1)
			}
			seq++
			sample += int64(pairs)
		}

		select {
		case <-p.quit:
			return
		case <-ticker.C:
		}
	}
}

func scale(v float64) int16 {
	x := math.Round(v * 32767)
	return int16(math.Max(-32768, math.Min(32767, x)))
}
