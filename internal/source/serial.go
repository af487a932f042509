package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"trip-detector/internal/model"
	"trip-detector/internal/timeutil"
)

const (
	knotsToMPS = 0.514444
	// hdopMeters converts horizontal dilution of precision into an accuracy radius.
	hdopMeters = 5.0

	defaultBaudRate       = 9600
	defaultSerialInterval = 5 * time.Second
)

var (
	ErrChecksum    = errors.New("nmea checksum mismatch")
	ErrUnsupported = errors.New("unsupported nmea sentence")
)

// PortOpener opens the receiver's serial device.
type PortOpener func(path string, mode *serial.Mode) (io.ReadCloser, error)

func openSerial(path string, mode *serial.Mode) (io.ReadCloser, error) {
	return serial.Open(path, mode)
}

// SerialSource reads NMEA 0183 sentences from a GPS receiver. Outside a burst it keeps at
// most one fix per Interval; during a burst every fix is delivered.
type SerialSource struct {
	Path     string
	BaudRate int
	Interval time.Duration
	Clock    timeutil.Clock
	Open     PortOpener
	Logger   *slog.Logger

	mu         sync.Mutex
	burstUntil time.Time
}

func NewSerialSource(path string, baud int) *SerialSource {
	return &SerialSource{Path: path, BaudRate: baud}
}

func (s *SerialSource) Run(ctx context.Context, out chan<- model.Fix) error {
	baud := s.BaudRate
	if baud <= 0 {
		baud = defaultBaudRate
	}
	open := s.Open
	if open == nil {
		open = openSerial
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := open(s.Path, mode)
	if err != nil {
		return fmt.Errorf("open serial %s: %w", s.Path, err)
	}
	// Closing the port unblocks the scanner.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		port.Close()
	}()
	err = s.read(ctx, port, out)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// KickStart disables subsampling for d.
func (s *SerialSource) KickStart(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.burstUntil = s.clock().Now().Add(d)
	return nil
}

func (s *SerialSource) clock() timeutil.Clock {
	if s.Clock == nil {
		return timeutil.RealClock{}
	}
	return s.Clock
}

func (s *SerialSource) bursting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock().Now().Before(s.burstUntil)
}

func (s *SerialSource) read(ctx context.Context, r io.Reader, out chan<- model.Fix) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = defaultSerialInterval
	}

	var asm Assembler
	var lastSent time.Time
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		f, ok, err := asm.Feed(scan.Text())
		if err != nil {
			if !errors.Is(err, ErrUnsupported) {
				log.Debug("nmea sentence dropped", "err", err)
			}
			continue
		}
		if !ok {
			continue
		}
		if !lastSent.IsZero() && f.Timestamp.Sub(lastSent) < interval && !s.bursting() {
			continue
		}
		if !forward(ctx, out, f) {
			return nil
		}
		lastSent = f.Timestamp
	}
	return scan.Err()
}

// Assembler merges RMC and GGA sentences into fixes. RMC carries position, speed, course
// and date; the latest GGA contributes altitude and dilution of precision. Receivers differ
// in whether GGA precedes RMC within an epoch, so the previous epoch's GGA may be used.
type Assembler struct {
	haveGGA  bool
	altitude float64
	hdop     float64
}

// Feed parses one sentence. A fix is returned for every valid RMC sentence.
func (a *Assembler) Feed(line string) (model.Fix, bool, error) {
	fields, err := splitSentence(line)
	if err != nil {
		return model.Fix{}, false, err
	}
	if len(fields[0]) < 5 {
		return model.Fix{}, false, ErrUnsupported
	}
	switch fields[0][2:] {
	case "GGA":
		return model.Fix{}, false, a.gga(fields)
	case "RMC":
		return a.rmc(fields)
	default:
		return model.Fix{}, false, ErrUnsupported
	}
}

func (a *Assembler) gga(fields []string) error {
	if len(fields) < 10 {
		return fmt.Errorf("short GGA sentence")
	}
	if fields[6] == "" || fields[6] == "0" {
		return fmt.Errorf("GGA without fix")
	}
	hdop, err := strconv.ParseFloat(fields[8], 64)
	if err != nil {
		return fmt.Errorf("invalid hdop: %q", fields[8])
	}
	alt, _ := strconv.ParseFloat(fields[9], 64)
	a.haveGGA, a.hdop, a.altitude = true, hdop, alt
	return nil
}

func (a *Assembler) rmc(fields []string) (model.Fix, bool, error) {
	if len(fields) < 10 {
		return model.Fix{}, false, fmt.Errorf("short RMC sentence")
	}
	if fields[2] != "A" {
		return model.Fix{}, false, nil
	}
	at, err := nmeaTime(fields[9], fields[1])
	if err != nil {
		return model.Fix{}, false, err
	}
	lat, err := nmeaCoordinate(fields[3], fields[4])
	if err != nil {
		return model.Fix{}, false, err
	}
	lon, err := nmeaCoordinate(fields[5], fields[6])
	if err != nil {
		return model.Fix{}, false, err
	}

	f := model.Fix{Latitude: lat, Longitude: lon, Timestamp: at, Speed: -1, Course: -1, HorizontalAccuracy: defaultAccuracy}
	if v, err := strconv.ParseFloat(fields[7], 64); err == nil {
		f.Speed = v * knotsToMPS
	}
	if v, err := strconv.ParseFloat(fields[8], 64); err == nil {
		f.Course = v
	}
	if a.haveGGA {
		f.HorizontalAccuracy = a.hdop * hdopMeters
		f.Altitude = a.altitude
	}
	return f, true, nil
}

// splitSentence validates framing and checksum and returns the comma-separated fields,
// the talker/type word first.
func splitSentence(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nil, ErrUnsupported
	}
	body := line[1:]
	if star := strings.LastIndexByte(body, '*'); star >= 0 {
		want, err := strconv.ParseUint(body[star+1:], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid checksum: %q", body[star+1:])
		}
		body = body[:star]
		var sum byte
		for i := 0; i < len(body); i++ {
			sum ^= body[i]
		}
		if sum != byte(want) {
			return nil, ErrChecksum
		}
	}
	return strings.Split(body, ","), nil
}

// nmeaCoordinate converts ddmm.mmmm / dddmm.mmmm with a hemisphere letter to degrees.
func nmeaCoordinate(v, hemi string) (float64, error) {
	dot := strings.IndexByte(v, '.')
	if dot < 0 {
		dot = len(v)
	}
	if dot < 3 {
		return 0, fmt.Errorf("invalid coordinate: %q", v)
	}
	deg, err := strconv.ParseFloat(v[:dot-2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate: %q", v)
	}
	min, err := strconv.ParseFloat(v[dot-2:], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate: %q", v)
	}
	out := deg + min/60
	switch hemi {
	case "N", "E":
	case "S", "W":
		out = -out
	default:
		return 0, fmt.Errorf("invalid hemisphere: %q", hemi)
	}
	return out, nil
}

// nmeaTime combines ddmmyy and hhmmss(.sss) into a UTC time.
func nmeaTime(date, clock string) (time.Time, error) {
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}, fmt.Errorf("invalid timestamp: %q %q", date, clock)
	}
	// Fractional seconds after the seconds field are accepted without a layout element.
	at, err := time.ParseInLocation("020106150405", date+clock, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %q %q", date, clock)
	}
	return at, nil
}
