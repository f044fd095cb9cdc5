package hypervisor

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

// mockLibvirt is a stateful mock of the libvirtClient interface. The
// default behavior models a healthy host: pools and domains can be
// defined, volumes created and uploaded, and leases appear for whatever
// MACs the test registers. Individual funcs can be overridden to inject
// failures.
type mockLibvirt struct {
	mu sync.Mutex

	// State mutated by default behavior.
	pools   map[string]bool
	volumes map[string]map[string][]byte // pool -> volume name -> data
	domains map[string]string            // name -> XML
	running map[string]bool
	leases  []libvirt.NetworkDhcpLease

	// Configurable overrides.
	domainLookupByNameFunc func(name string) (libvirt.Domain, error)
	domainDefineXMLFunc    func(xml string) (libvirt.Domain, error)
	domainCreateFunc       func(dom libvirt.Domain) error
	domainDestroyFunc      func(dom libvirt.Domain) error
	domainUndefineFlagsFn  func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	storageVolCreateXMLFn  func(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	storageVolUploadFunc   func(vol libvirt.StorageVol, r io.Reader, offset, length uint64, flags libvirt.StorageVolUploadFlags) error
	networkGetDhcpLeasesFn func(net libvirt.Network, mac libvirt.OptString, needResults int32, flags uint32) ([]libvirt.NetworkDhcpLease, uint32, error)

	// Call tracking.
	domainDefineXMLCalls  []string
	domainCreateCalls     []libvirt.Domain
	domainDestroyCalls    []libvirt.Domain
	domainUndefineCalls   []libvirt.Domain
	storageVolDeleteCalls []string
	leaseQueryCalls       int
}

func newMockLibvirt() *mockLibvirt {
	return &mockLibvirt{
		pools:   map[string]bool{},
		volumes: map[string]map[string][]byte{},
		domains: map[string]string{},
		running: map[string]bool{},
	}
}

// addLease registers a DHCP lease the default lease behavior will return.
func (m *mockLibvirt) addLease(mac, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases = append(m.leases, libvirt.NetworkDhcpLease{
		Ipaddr: addr,
		Mac:    libvirt.OptString{mac},
		Type:   0,
	})
}

func (m *mockLibvirt) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.domainLookupByNameFunc != nil {
		return m.domainLookupByNameFunc(name)
	}
	if _, ok := m.domains[name]; ok {
		return libvirt.Domain{Name: name}, nil
	}
	return libvirt.Domain{}, fmt.Errorf("domain not found: %s", name)
}

func (m *mockLibvirt) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainDefineXMLCalls = append(m.domainDefineXMLCalls, xml)
	if m.domainDefineXMLFunc != nil {
		return m.domainDefineXMLFunc(xml)
	}
	name := xmlTagValue(xml, "name")
	m.domains[name] = xml
	return libvirt.Domain{Name: name}, nil
}

func (m *mockLibvirt) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainCreateCalls = append(m.domainCreateCalls, dom)
	if m.domainCreateFunc != nil {
		return m.domainCreateFunc(dom)
	}
	m.running[dom.Name] = true
	return nil
}

func (m *mockLibvirt) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[dom.Name] {
		return int32(libvirt.DomainRunning), 0, nil
	}
	return int32(libvirt.DomainShutoff), 0, nil
}

func (m *mockLibvirt) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	xml, ok := m.domains[dom.Name]
	if !ok {
		return "", fmt.Errorf("domain not found: %s", dom.Name)
	}
	return xml, nil
}

func (m *mockLibvirt) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainDestroyCalls = append(m.domainDestroyCalls, dom)
	if m.domainDestroyFunc != nil {
		return m.domainDestroyFunc(dom)
	}
	delete(m.running, dom.Name)
	return nil
}

func (m *mockLibvirt) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainUndefineCalls = append(m.domainUndefineCalls, dom)
	if m.domainUndefineFlagsFn != nil {
		return m.domainUndefineFlagsFn(dom, flags)
	}
	delete(m.domains, dom.Name)
	return nil
}

func (m *mockLibvirt) DomainUndefine(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainUndefineCalls = append(m.domainUndefineCalls, dom)
	delete(m.domains, dom.Name)
	return nil
}

func (m *mockLibvirt) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var domains []libvirt.Domain
	for name := range m.domains {
		domains = append(domains, libvirt.Domain{Name: name})
	}
	return domains, uint32(len(domains)), nil
}

func (m *mockLibvirt) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pools[name] {
		return libvirt.StoragePool{Name: name}, nil
	}
	return libvirt.StoragePool{}, fmt.Errorf("pool not found: %s", name)
}

func (m *mockLibvirt) StoragePoolDefineXML(xml string, flags uint32) (libvirt.StoragePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := xmlTagValue(xml, "name")
	m.pools[name] = true
	if m.volumes[name] == nil {
		m.volumes[name] = map[string][]byte{}
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockLibvirt) StoragePoolCreate(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error {
	return nil
}

func (m *mockLibvirt) StoragePoolBuild(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error {
	return nil
}

func (m *mockLibvirt) StoragePoolSetAutostart(pool libvirt.StoragePool, autostart int32) error {
	return nil
}

func (m *mockLibvirt) StoragePoolUndefine(pool libvirt.StoragePool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, pool.Name)
	return nil
}

func (m *mockLibvirt) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error {
	return nil
}

func (m *mockLibvirt) StoragePoolListAllVolumes(pool libvirt.StoragePool, needResults int32, flags uint32) ([]libvirt.StorageVol, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var vols []libvirt.StorageVol
	for name := range m.volumes[pool.Name] {
		vols = append(vols, libvirt.StorageVol{Pool: pool.Name, Name: name})
	}
	return vols, uint32(len(vols)), nil
}

func (m *mockLibvirt) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.volumes[pool.Name][name]; ok {
		return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
	}
	return libvirt.StorageVol{}, fmt.Errorf("volume not found: %s", name)
}

func (m *mockLibvirt) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storageVolCreateXMLFn != nil {
		return m.storageVolCreateXMLFn(pool, xml, flags)
	}
	name := xmlTagValue(xml, "name")
	if m.volumes[pool.Name] == nil {
		m.volumes[pool.Name] = map[string][]byte{}
	}
	m.volumes[pool.Name][name] = nil
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (m *mockLibvirt) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageVolDeleteCalls = append(m.storageVolDeleteCalls, vol.Name)
	delete(m.volumes[vol.Pool], vol.Name)
	return nil
}

func (m *mockLibvirt) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	return "/var/lib/libvirt/images/vmspawn/" + vol.Name, nil
}

func (m *mockLibvirt) StorageVolUpload(vol libvirt.StorageVol, r io.Reader, offset, length uint64, flags libvirt.StorageVolUploadFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storageVolUploadFunc != nil {
		return m.storageVolUploadFunc(vol, r, offset, length, flags)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if m.volumes[vol.Pool] == nil {
		m.volumes[vol.Pool] = map[string][]byte{}
	}
	m.volumes[vol.Pool][vol.Name] = data
	return nil
}

func (m *mockLibvirt) NetworkLookupByName(name string) (libvirt.Network, error) {
	return libvirt.Network{Name: name}, nil
}

func (m *mockLibvirt) NetworkGetDhcpLeases(net libvirt.Network, mac libvirt.OptString, needResults int32, flags uint32) ([]libvirt.NetworkDhcpLease, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaseQueryCalls++
	if m.networkGetDhcpLeasesFn != nil {
		return m.networkGetDhcpLeasesFn(net, mac, needResults, flags)
	}
	return m.leases, uint32(len(m.leases)), nil
}

// xmlTagValue extracts the text of the first <tag>...</tag> element. Good
// enough for the simple XML the mock sees.
func xmlTagValue(xml, tag string) string {
	open := "<" + tag + ">"
	start := strings.Index(xml, open)
	if start < 0 {
		return ""
	}
	start += len(open)
	end := strings.Index(xml[start:], "</"+tag+">")
	if end < 0 {
		return ""
	}
	return xml[start : start+end]
}
