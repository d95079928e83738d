//go:build linux

package rtrace

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xyproto/upatch-manage/internal/arch"
)

// MaxAttachAttempts bounds how many times Attach rescans /proc/<pid>/task
// to catch threads spawned between the first scan and the attach loop
// finishing (spec.md §4.D).
const MaxAttachAttempts = 3

// AttachError reports a failure to stop every thread of the target.
type AttachError struct {
	Tid int
	Err error
}

func (e *AttachError) Error() string { return fmt.Sprintf("attach thread %d: %v", e.Tid, e.Err) }
func (e *AttachError) Unwrap() error { return e.Err }

// Driver owns the ptrace relationship with every thread of one target
// process, plus the memory I/O channel used both for plain reads/writes
// and for remote syscall argument/result marshalling.
type Driver struct {
	Pid     int
	Mem     *MemIO
	A       arch.Arch
	tids    []int
	libcBase uint64
}

// Attach stops every thread currently in /proc/<pid>/task, retrying the
// scan up to MaxAttachAttempts times to catch threads that spawned mid-scan.
func Attach(pid int, a arch.Arch, libcBase uint64) (*Driver, error) {
	mem, err := OpenMemIO(pid)
	if err != nil {
		return nil, err
	}
	d := &Driver{Pid: pid, Mem: mem, A: a, libcBase: libcBase}

	attached := map[int]bool{}
	for attempt := 0; attempt < MaxAttachAttempts; attempt++ {
		tids, err := listTasks(pid)
		if err != nil {
			return nil, err
		}
		newlyAttached := false
		for _, tid := range tids {
			if attached[tid] {
				continue
			}
			if err := unix.PtraceAttach(tid); err != nil {
				if err == unix.ESRCH {
					continue // thread exited between listing and attach
				}
				d.Detach()
				return nil, &AttachError{tid, err}
			}
			var ws unix.WaitStatus
			if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
				d.Detach()
				return nil, &AttachError{tid, err}
			}
			attached[tid] = true
			newlyAttached = true
		}
		if !newlyAttached && attempt > 0 {
			break
		}
	}

	for tid := range attached {
		d.tids = append(d.tids, tid)
	}
	return d, nil
}

func listTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("list /proc/%d/task: %w", pid, err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// AttachedTids returns the tids currently under this driver's ptrace bond.
func (d *Driver) AttachedTids() []int { return d.tids }

// Detach resumes every attached thread and releases the ptrace bond.
func (d *Driver) Detach() error {
	var firstErr error
	for _, tid := range d.tids {
		if err := unix.PtraceDetach(tid); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("detach %d: %w", tid, err)
		}
	}
	if d.Mem != nil {
		d.Mem.Close()
	}
	return firstErr
}

// ExecRemote runs one syscall inside the target by hijacking the registers
// of the first thread in AttachedTids (whose order is not defined, so
// this is not necessarily the leader thread): it saves the current register file, points PC at
// the syscall stub written to libc_base, sets up the syscall ABI
// registers, runs to the stub's trailing trap, reads back the result, and
// restores the original registers (spec.md §4.D).
func (d *Driver) ExecRemote(nr uint64, args [6]uint64) (uint64, error) {
	if len(d.tids) == 0 {
		return 0, fmt.Errorf("no attached thread to execute on")
	}
	tid := d.tids[0]

	var orig unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &orig); err != nil {
		return 0, fmt.Errorf("get regs: %w", err)
	}

	work := orig
	setPC(&work, d.libcBase)
	setSyscall(&work, nr, args)
	if err := unix.PtraceSetRegs(tid, &work); err != nil {
		return 0, fmt.Errorf("set regs: %w", err)
	}

	if err := unix.PtraceCont(tid, 0); err != nil {
		return 0, fmt.Errorf("cont: %w", err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("wait for syscall trap: %w", err)
	}
	if !ws.Stopped() {
		return 0, fmt.Errorf("remote syscall thread did not stop on trap, status=%v", ws)
	}

	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &after); err != nil {
		return 0, fmt.Errorf("get result regs: %w", err)
	}
	result := resultOf(&after)

	if err := unix.PtraceSetRegs(tid, &orig); err != nil {
		return 0, fmt.Errorf("restore regs: %w", err)
	}
	return result, nil
}

// InstallSyscallStub writes the architecture's short syscall+trap stub to
// libc_base so ExecRemote has somewhere to point PC.
func (d *Driver) InstallSyscallStub() error {
	return d.Mem.WriteAt(d.libcBase, d.A.SyscallStub())
}

// MmapRemote performs an mmap(2) inside the target.
func (d *Driver) MmapRemote(addr, length uint64, prot, flags int, fd int, offset uint64) (uint64, error) {
	return d.ExecRemote(sysMmap, [6]uint64{addr, length, uint64(prot), uint64(flags), uint64(fd), offset})
}

// MprotectRemote performs an mprotect(2) inside the target.
func (d *Driver) MprotectRemote(addr, length uint64, prot int) error {
	res, err := d.ExecRemote(sysMprotect, [6]uint64{addr, length, uint64(prot), 0, 0, 0})
	if err != nil {
		return err
	}
	if int64(res) < 0 {
		return fmt.Errorf("remote mprotect failed: errno %d", -int64(res))
	}
	return nil
}

// MunmapRemote performs a munmap(2) inside the target.
func (d *Driver) MunmapRemote(addr, length uint64) error {
	res, err := d.ExecRemote(sysMunmap, [6]uint64{addr, length, 0, 0, 0, 0})
	if err != nil {
		return err
	}
	if int64(res) < 0 {
		return fmt.Errorf("remote munmap failed: errno %d", -int64(res))
	}
	return nil
}

// waitStopped sleeps for d. Nothing in this package calls it, and being
// unexported it is not reachable from other packages.
func waitStopped(d time.Duration) { time.Sleep(d) }
