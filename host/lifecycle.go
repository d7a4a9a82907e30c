package host

import (
	"github.com/bobuhiro11/golwk/bootparam"
	"github.com/bobuhiro11/golwk/cpu"
	"github.com/bobuhiro11/golwk/ikc"
	"github.com/bobuhiro11/golwk/instance"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
	"github.com/bobuhiro11/golwk/shm"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// entryInstructions is how many entry instructions are logged on load.
const entryInstructions = 4

// SetIKCMap replaces the interrupt routes of id.
func (h *Host) SetIKCMap(id lwk.ID, routes []ikc.Route) error {
	i, err := h.lookup(id)
	if err != nil {
		return err
	}

	return i.Exclusive(func() error {
		if err := i.Check(assignable...); err != nil {
			return err
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		return h.router.SetRoutes(id, routes, h.cpus)
	})
}

// GetIKCMap returns the routes id boots with: its explicit table, or the
// default routes when none is set.
func (h *Host) GetIKCMap(id lwk.ID) ([]ikc.Route, error) {
	if _, err := h.lookup(id); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.router.Resolve(id, h.cpus.AssignedTo(id), h.cpus)
}

// LoadImage places the image at path into the memory of id.
func (h *Host) LoadImage(id lwk.ID, path string) error {
	i, err := h.lookup(id)
	if err != nil {
		return err
	}

	return i.Exclusive(func() error {
		if err := i.Transition(instance.Loading, instance.Initial); err != nil {
			return err
		}

		img, err := h.deps.Loader.Load(path, h.mem.Used(id))
		if err != nil {
			_ = i.Transition(instance.Initial, instance.Loading)

			return err
		}

		i.SetImage(img)

		log := lwk.Logger().WithFields(logrus.Fields{
			"instance": id,
			"image":    path,
			"entry":    img.Entry,
		})

		if insts, err := img.Disassemble(entryInstructions); err != nil {
			log.WithError(err).Debug("entry not decodable")
		} else {
			log.WithField("code", insts).Debug("entry")
		}

		log.Info("image loaded")

		return i.Transition(instance.Loaded, instance.Loading)
	})
}

// SetKargs sets the kernel command line of id.
func (h *Host) SetKargs(id lwk.ID, kargs string) error {
	i, err := h.lookup(id)
	if err != nil {
		return err
	}

	return i.Exclusive(func() error {
		return i.SetKargs(kargs)
	})
}

// Boot builds the boot descriptor of id, hands it over and wakes the first
// assigned cpu at the image entry. The instance is Booting on return; the
// peer reports the rest through the status word.
func (h *Host) Boot(id lwk.ID) error {
	i, err := h.lookup(id)
	if err != nil {
		return err
	}

	return i.Exclusive(func() error {
		if err := i.Check(instance.Loaded); err != nil {
			return err
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		res := bootparam.Resources{
			CPUs:   h.cpus.AssignedTo(id),
			Chunks: h.mem.Used(id),
		}

		if len(res.CPUs) == 0 {
			return errors.Wrapf(lwk.ErrInvalidArgument, "instance %s has no cpus", id)
		}

		if len(res.Chunks) == 0 {
			return errors.Wrapf(lwk.ErrInvalidArgument, "instance %s has no memory", id)
		}

		routes, err := h.router.Resolve(id, res.CPUs, h.cpus)
		if err != nil {
			return err
		}

		res.Routes = routes

		desc, err := bootparam.New(res, h.deps.Topology, h.cfg.DescriptorCapacity)
		if err != nil {
			return err
		}

		raw, err := desc.Bytes()
		if err != nil {
			return lwk.Mark(err, lwk.ErrInvalidArgument, "encode boot descriptor")
		}

		page, err := shm.New()
		if err != nil {
			return err
		}

		if err := i.Transition(instance.Booting, instance.Loaded); err != nil {
			_ = page.Close()

			return err
		}

		i.Attach(page)

		if err := h.start(id, raw, page, res.CPUs[0], i.Image().Entry); err != nil {
			i.Attach(nil)
			_ = page.Close()
			_ = i.Transition(instance.Loaded, instance.Booting)

			return err
		}

		lwk.Logger().WithFields(logrus.Fields{
			"instance": id,
			"cpus":     len(res.CPUs),
			"chunks":   len(res.Chunks),
			"nodes":    len(desc.Nodes),
			"ikc":      ikc.Format(res.Routes),
		}).Info("instance booting")

		return nil
	})
}

func (h *Host) start(id lwk.ID, desc []byte, page *shm.Page, boot cpu.Core, entry lwk.PhysAddr) error {
	if err := h.deps.Handoff.Place(id, desc, page); err != nil {
		return lwk.Mark(err, lwk.ErrBusy, "hand off boot descriptor")
	}

	if err := h.cpus.Wake(id, boot.LogicalID, entry); err != nil {
		h.deps.Handoff.Retract(id)

		return err
	}

	return nil
}

// Shutdown stops id and returns its cpus and memory to the pools. Loading,
// loaded and booting instances are aborted the same way. The instance is
// Initial again afterwards.
func (h *Host) Shutdown(id lwk.ID) error {
	i, err := h.lookup(id)
	if err != nil {
		return err
	}

	return i.Exclusive(func() error {
		err := i.Transition(instance.Shutdown,
			instance.Loading, instance.Loaded, instance.Booting,
			instance.Running, instance.Freezing, instance.Frozen)
		if err != nil {
			return err
		}

		h.teardown(i)
		i.Reset()

		lwk.Logger().WithField("instance", id).Info("instance shut down")

		return nil
	})
}

// Status polls id once.
func (h *Host) Status(id lwk.ID) (instance.Status, error) {
	i, err := h.lookup(id)
	if err != nil {
		return instance.StatusIdle, err
	}

	return i.Status(), nil
}

// State returns the lifecycle state of id.
func (h *Host) State(id lwk.ID) (instance.State, error) {
	i, err := h.lookup(id)
	if err != nil {
		return instance.Initial, err
	}

	return i.State(), nil
}

// NotifyCrash records that the kernel of id failed. Only DestroyInstance
// is possible afterwards.
func (h *Host) NotifyCrash(id lwk.ID) error {
	i, err := h.lookup(id)
	if err != nil {
		return err
	}

	i.Hangup()

	return nil
}

// Info describes one instance.
type Info struct {
	ID     lwk.ID
	State  instance.State
	Status instance.Status
	Kargs  string
	Image  string
	CPUs   []cpu.Core
	Chunks []memory.Chunk
	Routes []ikc.Route
}

// Describe returns the current view of id.
func (h *Host) Describe(id lwk.ID) (Info, error) {
	i, err := h.lookup(id)
	if err != nil {
		return Info{}, err
	}

	info := Info{
		ID:     id,
		Status: i.Status(),
		State:  i.State(),
		Kargs:  i.Kargs(),
	}

	if img := i.Image(); img != nil {
		info.Image = img.Path
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	info.CPUs = h.cpus.AssignedTo(id)
	info.Chunks = h.mem.Used(id)
	info.Routes, _ = h.router.Routes(id)

	return info, nil
}
