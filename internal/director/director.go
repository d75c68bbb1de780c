// Package director wires the control pipeline of one physical HVAC unit and
// owns its startup and shutdown.
package director

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/controller"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/device"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/pubsub"
	"github.com/thatsimonsguy/hvac-director/internal/scheduler"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

var ErrInvalidConfig = errors.New("invalid director configuration")

const DefaultShutdownTimeout = 30 * time.Second

// ScheduleSource delivers whole-schedule replacements per zone.
type ScheduleSource interface {
	Subscribe(buffer int) chan scheduler.Update
	Unsubscribe(ch chan scheduler.Update)
}

// UnitController turns unit control ticks into device commands. Its output
// starts with the set-mode command for mode.
type UnitController interface {
	Run(ctx context.Context, mode model.SystemMode, in <-chan zonecontroller.UnitSignal) <-chan model.CommandSignal
}

// ZoneBinding ties a zone to its sensor stream and, optionally, its damper.
type ZoneBinding struct {
	Zone   *zone.Zone
	Sensor <-chan controller.Sample
	Damper device.Damper
}

type Config struct {
	Unit     string
	Mode     model.SystemMode
	Capacity int
	Zones    []ZoneBinding

	Schedule         ScheduleSource
	ScheduleInterval time.Duration

	UnitController UnitController
	Device         device.HvacDevice
	// Switches are released at shutdown in addition to the device and the
	// dampers.
	Switches []device.Switch

	Sinks           []Sink
	ShutdownTimeout time.Duration
}

func (c Config) Validate() error {
	var errs []error
	if c.Unit == "" {
		errs = append(errs, fmt.Errorf("%w: unit name is required", ErrInvalidConfig))
	}
	if _, err := model.ParseSystemMode(string(c.Mode)); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	if len(c.Zones) == 0 {
		errs = append(errs, fmt.Errorf("%w: unit %s has no zones", ErrInvalidConfig, c.Unit))
	}
	seen := map[string]bool{}
	for i, b := range c.Zones {
		if b.Zone == nil {
			errs = append(errs, fmt.Errorf("%w: zone %d is nil", ErrInvalidConfig, i))
			continue
		}
		name := b.Zone.Name()
		if seen[name] {
			errs = append(errs, fmt.Errorf("%w: duplicate zone %q", ErrInvalidConfig, name))
		}
		seen[name] = true
		if b.Sensor == nil {
			errs = append(errs, fmt.Errorf("%w: zone %s has no sensor stream", ErrInvalidConfig, name))
		}
		if b.Zone.Mode() != c.Mode {
			errs = append(errs, fmt.Errorf("%w: zone %s mode %s differs from unit mode %s", ErrInvalidConfig, name, b.Zone.Mode(), c.Mode))
		}
	}
	if c.UnitController == nil {
		errs = append(errs, fmt.Errorf("%w: unit controller is required", ErrInvalidConfig))
	}
	if c.Device == nil {
		errs = append(errs, fmt.Errorf("%w: hvac device is required", ErrInvalidConfig))
	}
	if c.Capacity < 0 {
		errs = append(errs, fmt.Errorf("%w: capacity must not be negative", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// Director runs one unit. The zone set is fixed once the director is built.
type Director struct {
	cfg   Config
	zones map[string]*zone.Zone
	names []string
	zc    *zonecontroller.Controller
	sched *scheduler.Scheduler

	zonePub    *pubsub.Publisher[zone.StatusSignal]
	controlPub *pubsub.Publisher[zonecontroller.UnitSignal]
	statusPub  *pubsub.Publisher[model.StatusSignal]

	mu          sync.RWMutex
	started     bool
	lastZone    map[string]zone.StatusSignal
	lastControl *zonecontroller.UnitSignal
	lastStatus  *model.StatusSignal

	pipelineCancel context.CancelFunc
	deviceCancel   context.CancelFunc
	pipeline       sync.WaitGroup
	dampers        sync.WaitGroup
	sinks          sync.WaitGroup
	damperIn       map[string]chan float64
	deviceIn       chan model.CommandSignal
	actuals        chan model.HvacStatus
	scheduleSub    chan scheduler.Update

	shutdownOnce sync.Once
	done         chan struct{}
}

func New(cfg Config) (*Director, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	d := &Director{
		cfg:        cfg,
		zones:      make(map[string]*zone.Zone, len(cfg.Zones)),
		zonePub:    pubsub.New[zone.StatusSignal](cfg.Unit+".zones", log.Logger),
		controlPub: pubsub.New[zonecontroller.UnitSignal](cfg.Unit+".control", log.Logger),
		statusPub:  pubsub.New[model.StatusSignal](cfg.Unit+".status", log.Logger),
		lastZone:   make(map[string]zone.StatusSignal, len(cfg.Zones)),
		damperIn:   make(map[string]chan float64),
		deviceIn:   make(chan model.CommandSignal),
		actuals:    make(chan model.HvacStatus, 16),
		done:       make(chan struct{}),
	}
	targets := make([]scheduler.Target, 0, len(cfg.Zones))
	for _, b := range cfg.Zones {
		d.zones[b.Zone.Name()] = b.Zone
		d.names = append(d.names, b.Zone.Name())
		targets = append(targets, b.Zone)
	}

	zc, err := zonecontroller.New(cfg.Unit, d.names, cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	d.zc = zc
	d.sched = scheduler.New(targets, cfg.ScheduleInterval)
	return d, nil
}

func (d *Director) Unit() string { return d.cfg.Unit }

func (d *Director) Mode() model.SystemMode { return d.cfg.Mode }

func (d *Director) Zone(name string) (*zone.Zone, bool) {
	z, ok := d.zones[name]
	return z, ok
}

// ZoneNames returns zone names in configuration order.
func (d *Director) ZoneNames() []string {
	return append([]string(nil), d.names...)
}

func (d *Director) Scheduler() *scheduler.Scheduler { return d.sched }

// ZoneStatus returns the last status a zone computed.
func (d *Director) ZoneStatus(name string) (zone.StatusSignal, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.lastZone[name]
	return s, ok
}

func (d *Director) LastControl() (zonecontroller.UnitSignal, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastControl == nil {
		return zonecontroller.UnitSignal{}, false
	}
	return *d.lastControl, true
}

func (d *Director) LastStatus() (model.StatusSignal, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastStatus == nil {
		return model.StatusSignal{}, false
	}
	return *d.lastStatus, true
}

// ZoneStatuses, UnitControls and DeviceStatuses are the composed streams
// for external subscribers. Every subscriber sees the same ticks.
func (d *Director) ZoneStatuses() *pubsub.Publisher[zone.StatusSignal] { return d.zonePub }

func (d *Director) UnitControls() *pubsub.Publisher[zonecontroller.UnitSignal] { return d.controlPub }

func (d *Director) DeviceStatuses() *pubsub.Publisher[model.StatusSignal] { return d.statusPub }

// Done is closed once Shutdown has completed.
func (d *Director) Done() <-chan struct{} { return d.done }

// Start wires and starts the pipeline. It returns once every stage is running.
func (d *Director) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("unit %s already started", d.cfg.Unit)
	}
	d.started = true
	d.mu.Unlock()

	log.Info().Str("unit", d.cfg.Unit).Str("mode", string(d.cfg.Mode)).Int("zones", len(d.names)).Msg("Starting unit director")

	pctx, pcancel := context.WithCancel(ctx)
	dctx, dcancel := context.WithCancel(context.WithoutCancel(ctx))
	d.pipelineCancel = pcancel
	d.deviceCancel = dcancel

	// 1. schedule
	d.startScheduler(pctx)

	// 2. zones, merged into one stream
	merged := make(chan zone.StatusSignal, len(d.cfg.Zones))
	var zonesWG sync.WaitGroup
	for _, b := range d.cfg.Zones {
		zonesWG.Add(1)
		d.pipeline.Add(1)
		go func(b ZoneBinding) {
			defer d.pipeline.Done()
			defer zonesWG.Done()
			d.runZone(pctx, b, merged)
		}(b)
	}
	go func() {
		zonesWG.Wait()
		close(merged)
	}()

	// 3. zone controller, fanning damper positions out to the damper workers
	for _, b := range d.cfg.Zones {
		if b.Damper == nil {
			continue
		}
		in := make(chan float64, 1)
		d.damperIn[b.Zone.Name()] = in
		d.dampers.Add(1)
		go func(dm device.Damper, in <-chan float64) {
			defer d.dampers.Done()
			d.runDamper(dctx, dm, in)
		}(b.Damper, in)
	}
	unitIn := make(chan zonecontroller.UnitSignal)
	controls := d.zc.Run(pctx, merged)
	d.pipeline.Add(1)
	go func() {
		defer d.pipeline.Done()
		defer close(unitIn)
		d.forwardControls(pctx, controls, unitIn)
	}()

	// 4. unit controller, then the device
	cmds := d.cfg.UnitController.Run(pctx, d.cfg.Mode, unitIn)
	d.pipeline.Add(1)
	go func() {
		defer d.pipeline.Done()
		for cmd := range cmds {
			select {
			case d.deviceIn <- cmd:
			case <-pctx.Done():
				return
			}
		}
	}()
	statuses := d.cfg.Device.Run(dctx, d.deviceIn)

	// 5. external collaborators
	for _, sink := range d.cfg.Sinks {
		streams := Streams{
			Unit:     d.cfg.Unit,
			Zones:    d.zonePub.Subscribe(64),
			Controls: d.controlPub.Subscribe(64),
			Statuses: d.statusPub.Subscribe(64),
		}
		d.sinks.Add(1)
		go func(sink Sink) {
			defer d.sinks.Done()
			sink.Run(dctx, streams)
		}(sink)
	}

	// 6. consume device status so the pipeline runs without any subscriber
	go d.consumeStatuses(statuses)

	return nil
}

func (d *Director) startScheduler(ctx context.Context) {
	var updates chan scheduler.Update
	if d.cfg.Schedule != nil {
		d.scheduleSub = d.cfg.Schedule.Subscribe(len(d.names) * 4)
		updates = make(chan scheduler.Update, len(d.names))
		d.pipeline.Add(1)
		go func() {
			defer d.pipeline.Done()
			defer close(updates)
			for {
				select {
				case <-ctx.Done():
					return
				case u, ok := <-d.scheduleSub:
					if !ok {
						return
					}
					if _, mine := d.zones[u.Zone]; !mine {
						continue
					}
					select {
					case updates <- u:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	d.pipeline.Add(1)
	go func() {
		defer d.pipeline.Done()
		if err := d.sched.Run(ctx, updates); err != nil {
			log.Error().Err(err).Str("unit", d.cfg.Unit).Msg("Scheduler stopped with error")
		}
	}()
}

func (d *Director) runZone(ctx context.Context, b ZoneBinding, out chan<- zone.StatusSignal) {
	name := b.Zone.Name()
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-b.Sensor:
			if !ok {
				log.Warn().Str("unit", d.cfg.Unit).Str("zone", name).Msg("Sensor stream closed")
				return
			}
			st, err := b.Zone.Compute(sample)
			if err != nil {
				log.Error().Err(err).Str("unit", d.cfg.Unit).Str("zone", name).Msg("Dropping sample")
				continue
			}
			d.mu.Lock()
			d.lastZone[name] = st
			d.mu.Unlock()
			d.zonePub.Publish(st)

			select {
			case out <- st:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Director) forwardControls(ctx context.Context, in <-chan zonecontroller.UnitSignal, out chan<- zonecontroller.UnitSignal) {
	for u := range in {
		d.mu.Lock()
		uc := u
		d.lastControl = &uc
		d.mu.Unlock()
		d.controlPub.Publish(u)

		if v, ok := u.Lookup(); ok {
			for name, pos := range v.Dampers {
				if ch, ok := d.damperIn[name]; ok {
					latest(ch, pos)
				}
			}
		}

		select {
		case out <- u:
		case <-ctx.Done():
			return
		}
	}
}

// latest replaces any queued position with pos. The caller is the only
// sender on ch.
func latest(ch chan float64, pos float64) {
	select {
	case ch <- pos:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- pos
}

func (d *Director) runDamper(ctx context.Context, dm device.Damper, in <-chan float64) {
	for pos := range in {
		if _, err := dm.Set(ctx, pos); err != nil {
			log.Error().Err(err).Str("unit", d.cfg.Unit).Str("damper", dm.Name()).Float64("position", pos).Msg("Damper command failed, position unknown")
		}
	}
}

func (d *Director) consumeStatuses(in <-chan model.StatusSignal) {
	for st := range in {
		d.mu.Lock()
		s := st
		d.lastStatus = &s
		d.mu.Unlock()
		d.statusPub.Publish(st)

		if v, ok := st.Lookup(); ok && v.Kind == model.StatusActual {
			select {
			case d.actuals <- v:
			default:
			}
		}
	}
}

// Shutdown stops the unit in a fixed order: zones stop taking settings and
// the pipeline stops, dampers park, the device is switched off and its
// actual state awaited, then resources are released. Failures are logged
// and the sequence carries on. Shutdown blocks until Done is closed.
func (d *Director) Shutdown(ctx context.Context) {
	d.shutdownOnce.Do(func() {
		d.shutdown(ctx)
		close(d.done)
	})
	<-d.done
}

func (d *Director) shutdown(ctx context.Context) {
	unit := d.cfg.Unit
	log.Info().Str("unit", unit).Msg("Shutting down unit director")

	d.mu.RLock()
	started := d.started
	d.mu.RUnlock()

	// 1. stop accepting settings and stop the pipeline
	for _, name := range d.names {
		d.zones[name].Close()
	}
	if started {
		d.pipelineCancel()
		d.pipeline.Wait()
		if d.scheduleSub != nil {
			d.cfg.Schedule.Unsubscribe(d.scheduleSub)
		}
		for _, ch := range d.damperIn {
			close(ch)
		}
		d.dampers.Wait()
	}
	log.Info().Str("unit", unit).Msg("Zones closed, pipeline stopped")

	// 2. park dampers
	for _, b := range d.cfg.Zones {
		if b.Damper == nil {
			continue
		}
		pos, err := b.Damper.Park(ctx)
		if err != nil {
			log.Error().Err(err).Str("unit", unit).Str("damper", b.Damper.Name()).Msg("Failed to park damper")
			continue
		}
		log.Info().Str("unit", unit).Str("damper", b.Damper.Name()).Float64("position", pos).Msg("Damper parked")
	}

	// 3. device off, wait for the actual state
	if started {
		d.switchOff(ctx)
		d.deviceCancel()
	}

	// 4. release resources
	if err := d.cfg.Device.Close(); err != nil {
		log.Error().Err(err).Str("unit", unit).Msg("Failed to release hvac device")
	}
	for _, b := range d.cfg.Zones {
		if b.Damper == nil {
			continue
		}
		if err := b.Damper.Close(); err != nil {
			log.Error().Err(err).Str("unit", unit).Str("damper", b.Damper.Name()).Msg("Failed to release damper")
		}
	}
	for _, sw := range d.cfg.Switches {
		if err := sw.Close(); err != nil {
			log.Error().Err(err).Str("unit", unit).Str("switch", sw.Name()).Msg("Failed to release switch")
		}
	}

	// 5. end the external streams
	d.zonePub.Close()
	d.controlPub.Close()
	d.statusPub.Close()
	d.sinks.Wait()
	log.Info().Str("unit", unit).Msg("Unit director stopped")
}

func (d *Director) switchOff(ctx context.Context) {
	unit := d.cfg.Unit
	timer := time.NewTimer(d.cfg.ShutdownTimeout)
	defer timer.Stop()

	for drained := false; !drained; {
		select {
		case <-d.actuals:
		default:
			drained = true
		}
	}

	off := signal.New(time.Now(), unit, model.Off(d.cfg.Mode))
	select {
	case d.deviceIn <- off:
		log.Info().Str("unit", unit).Msg("Off command sent to hvac device")
	case <-timer.C:
		log.Error().Str("unit", unit).Dur("timeout", d.cfg.ShutdownTimeout).Msg("Timed out sending off command")
		return
	case <-ctx.Done():
		log.Error().Err(ctx.Err()).Str("unit", unit).Msg("Shutdown interrupted sending off command")
		return
	}

	for {
		select {
		case st := <-d.actuals:
			if !st.Actual.Running {
				log.Info().Str("unit", unit).Str("actual", st.Actual.String()).Msg("Hvac device confirmed off")
				return
			}
		case <-timer.C:
			log.Error().Str("unit", unit).Dur("timeout", d.cfg.ShutdownTimeout).Msg("Timed out waiting for hvac device to switch off")
			return
		case <-ctx.Done():
			log.Error().Err(ctx.Err()).Str("unit", unit).Msg("Shutdown interrupted waiting for hvac device")
			return
		}
	}
}
