// Package classifier evaluates the allow/block and forward-rule predicates
// declared in internal/config against a concrete connection target.
package classifier

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/mstausch/openrelay/internal/config"
	"github.com/mstausch/openrelay/internal/logger"
)

// ClassifierInput contains the input data for classification decisions.
type ClassifierInput struct {
	host       string
	remoteIP   string
	remotePort uint16
}

// NewClassifierInput builds a ClassifierInput for a dial target. remoteIP may
// be empty if the address hasn't been resolved yet.
func NewClassifierInput(host, remoteIP string, remotePort uint16) ClassifierInput {
	return ClassifierInput{host: host, remoteIP: remoteIP, remotePort: remotePort}
}

// estimateTrieMemorySize gives a rough, allocation-free estimate of the
// memory held by an Aho-Corasick trie built from domainCount patterns, used
// only for the startup log line.
func estimateTrieMemorySize(domainCount int) int64 {
	const avgDomainLength = 20
	const nodeOverhead = 64
	estimatedNodes := int64(domainCount) * avgDomainLength / 4
	return int64(domainCount)*avgDomainLength + estimatedNodes*nodeOverhead
}

// formatMemorySize formats a byte count into a human-readable string.
func formatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

// Classifier defines the interface for all traffic classifiers.
type Classifier interface {
	Classify(input ClassifierInput) (bool, error)
}

// ClassifierAnd implements a logical AND operation across multiple classifiers.
type ClassifierAnd struct {
	Classifiers []Classifier
}

// Classify returns true if all classifiers in the AND group return true.
func (c *ClassifierAnd) Classify(input ClassifierInput) (bool, error) {
	for _, classifier := range c.Classifiers {
		result, err := classifier.Classify(input)
		if err != nil {
			return false, err
		}
		if !result {
			return false, nil
		}
	}
	return true, nil
}

// ClassifierOr implements a logical OR operation across multiple classifiers.
type ClassifierOr struct {
	Classifiers []Classifier
}

// Classify returns true if any classifier in the OR group returns true.
func (c *ClassifierOr) Classify(input ClassifierInput) (bool, error) {
	for _, classifier := range c.Classifiers {
		result, err := classifier.Classify(input)
		if err != nil {
			return false, err
		}
		if result {
			return true, nil
		}
	}
	return false, nil
}

// ClassifierOrDomainsIs is an optimized OR over several "domain is X" checks,
// using a single Aho-Corasick trie instead of N string comparisons.
type ClassifierOrDomainsIs struct {
	Trie       *ahocorasick.Trie
	DomainList []string
}

// Classify returns true if the input host exactly matches one of the domains.
func (c *ClassifierOrDomainsIs) Classify(input ClassifierInput) (bool, error) {
	if c.Trie == nil {
		return false, nil
	}
	for _, match := range c.Trie.MatchString(input.host) {
		if c.DomainList[match.Pattern()] == input.host {
			return true, nil
		}
	}
	return false, nil
}

// ClassifierOrDomainsFile is an optimized OR over domain-list-file membership
// checks (domain or any subdomain of a domain in the file).
type ClassifierOrDomainsFile struct {
	Trie       *ahocorasick.Trie
	DomainList []string
}

// Classify returns true if the input host matches a domain (or subdomain)
// loaded from the backing domains file.
func (c *ClassifierOrDomainsFile) Classify(input ClassifierInput) (bool, error) {
	return domainsFileMatch(c.Trie, c.DomainList, input.host)
}

// ClassifierNot negates the result of another classifier.
type ClassifierNot struct {
	Classifier Classifier
}

// Classify returns the logical negation of the wrapped classifier.
func (c *ClassifierNot) Classify(input ClassifierInput) (bool, error) {
	result, err := c.Classifier.Classify(input)
	if err != nil {
		return false, err
	}
	return !result, nil
}

// ClassifierStrEq matches if Get(input) equals the classified host.
type ClassifierStrEq struct {
	Get func(input ClassifierInput) (string, error)
}

// Classify implements the equality check.
func (c *ClassifierStrEq) Classify(input ClassifierInput) (bool, error) {
	v, err := c.Get(input)
	if err != nil {
		return false, err
	}
	return v == input.host, nil
}

// ClassifierStrNotEq matches if Get(input) does not equal the classified host.
type ClassifierStrNotEq struct {
	Get func(input ClassifierInput) (string, error)
}

// Classify implements the inequality check.
func (c *ClassifierStrNotEq) Classify(input ClassifierInput) (bool, error) {
	v, err := c.Get(input)
	if err != nil {
		return false, err
	}
	return v != input.host, nil
}

// ClassifierStrContains matches if the classified host contains Get(input) as a substring.
type ClassifierStrContains struct {
	Get func(input ClassifierInput) (string, error)
}

// Classify implements the substring check.
func (c *ClassifierStrContains) Classify(input ClassifierInput) (bool, error) {
	v, err := c.Get(input)
	if err != nil {
		return false, err
	}
	return strings.Contains(input.host, v), nil
}

// ClassifierStrNotContains matches if the classified host does not contain Get(input).
type ClassifierStrNotContains struct {
	Get func(input ClassifierInput) (string, error)
}

// Classify implements the negative substring check.
func (c *ClassifierStrNotContains) Classify(input ClassifierInput) (bool, error) {
	v, err := c.Get(input)
	if err != nil {
		return false, err
	}
	return !strings.Contains(input.host, v), nil
}

// ClassifierStrIs matches if Get(input) equals the classified host exactly.
// Distinct type from ClassifierStrEq so config's "is" and "equal" operations
// can be told apart when debugging a compiled classifier tree.
type ClassifierStrIs struct {
	Get func(input ClassifierInput) (string, error)
}

// Classify compares the configured value against the classified host.
func (c *ClassifierStrIs) Classify(input ClassifierInput) (bool, error) {
	v, err := c.Get(input)
	if err != nil {
		return false, err
	}
	return v == input.host, nil
}

// ClassifierRef delegates to the classifier named Id, looked up in
// Classifiers each time Classify is called.
type ClassifierRef struct {
	Id          string
	Classifiers map[string]Classifier
}

// Classify looks up the referenced classifier and delegates to it.
func (c *ClassifierRef) Classify(input ClassifierInput) (bool, error) {
	target, ok := c.Classifiers[c.Id]
	if !ok {
		return false, fmt.Errorf("classifier reference %q not found", c.Id)
	}
	return target.Classify(input)
}

// ClassifierPort matches traffic based on port numbers.
type ClassifierPort struct {
	Port int
}

// Classify returns true if the remote port matches the specified value.
func (c *ClassifierPort) Classify(input ClassifierInput) (bool, error) {
	if input.remotePort == 0 {
		return false, fmt.Errorf("target port not provided in classifier input")
	}
	return input.remotePort == uint16(c.Port), nil
}

// ClassifierIP checks if the remote IP matches a specified IP address.
type ClassifierIP struct {
	IP string
}

// Classify returns true if the remote IP matches the specified IP address.
func (c *ClassifierIP) Classify(input ClassifierInput) (bool, error) {
	if input.remoteIP == "" {
		return false, fmt.Errorf("remote IP not provided in classifier input")
	}
	return input.remoteIP == c.IP, nil
}

// ClassifierNetwork checks if the remote IP is within a CIDR network range.
type ClassifierNetwork struct {
	CIDR string
}

// Classify returns true if the remote IP is within the specified network range.
func (c *ClassifierNetwork) Classify(input ClassifierInput) (bool, error) {
	if input.remoteIP == "" {
		return false, fmt.Errorf("remote IP not provided in classifier input")
	}
	_, ipNet, err := net.ParseCIDR(c.CIDR)
	if err != nil {
		return false, fmt.Errorf("invalid CIDR format %q: %w", c.CIDR, err)
	}
	remoteIP := net.ParseIP(input.remoteIP)
	if remoteIP == nil {
		return false, fmt.Errorf("invalid remote IP format %q", input.remoteIP)
	}
	return ipNet.Contains(remoteIP), nil
}

// ClassifierTrue always returns true.
type ClassifierTrue struct{}

// Classify always returns true.
func (c *ClassifierTrue) Classify(ClassifierInput) (bool, error) { return true, nil }

// ClassifierFalse always returns false.
type ClassifierFalse struct{}

// Classify always returns false.
func (c *ClassifierFalse) Classify(ClassifierInput) (bool, error) { return false, nil }

// ClassifierDomainsFile matches if the input host is in the loaded domains
// set, using Aho-Corasick for efficient matching against many domains.
type ClassifierDomainsFile struct {
	Trie       *ahocorasick.Trie
	DomainList []string
}

// Classify returns true if the input host matches any domain loaded from the file.
func (c *ClassifierDomainsFile) Classify(input ClassifierInput) (bool, error) {
	return domainsFileMatch(c.Trie, c.DomainList, input.host)
}

func domainsFileMatch(trie *ahocorasick.Trie, domainList []string, host string) (bool, error) {
	if trie == nil {
		return false, nil
	}
	for _, match := range trie.MatchString(host) {
		matchedDomain := domainList[match.Pattern()]
		hasSuffix := strings.HasSuffix(host, matchedDomain)
		if hasSuffix && len(host) == len(matchedDomain) {
			return true, nil
		}
		if hasSuffix && len(host) > len(matchedDomain) && host[len(host)-len(matchedDomain)-1] == '.' {
			return true, nil
		}
	}
	return false, nil
}

var rgComment = regexp.MustCompile(`\A(.*?)[ \t\v]*(?:[#;].*)?\z`)
var rgSplitDomains = regexp.MustCompile(`[ \t\v]+`)

// NewClassifierDomainsFile loads domains from the given file path and builds
// an Aho-Corasick trie for efficient pattern matching.
func NewClassifierDomainsFile(filePath string) (*ClassifierDomainsFile, error) {
	cleanPath := filepath.Clean(filePath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("error closing domains file: %v", closeErr)
		}
	}()

	var domainList []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		line = rgComment.FindStringSubmatch(line)[1]
		for _, domain := range rgSplitDomains.Split(line, -1) {
			if domain == "" || domain == "0.0.0.0" {
				continue
			}
			if strings.HasPrefix(domain, "*.") {
				domainList = append(domainList, domain[2:])
				continue
			}
			domainList = append(domainList, domain)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains file: %w", err)
	}

	var trie *ahocorasick.Trie
	if len(domainList) > 0 {
		trie = ahocorasick.NewTrieBuilder().AddStrings(domainList).Build()
		memSize := estimateTrieMemorySize(len(domainList))
		logger.Info("built Aho-Corasick trie with %d domains from %s (~%s)", len(domainList), filePath, formatMemorySize(memSize))
	} else {
		logger.Warn("no domains found in file: %s", filePath)
	}

	return &ClassifierDomainsFile{Trie: trie, DomainList: domainList}, nil
}

// tryOptimizeOrClassifier collapses an OR of same-shaped domain sub-classifiers
// into a single Aho-Corasick trie classifier, or returns nil if no
// optimization applies.
func tryOptimizeOrClassifier(orClassifier *config.ClassifierOr) Classifier {
	var domains []string
	var domainsFilePaths []string
	allDomainsIsOrFile := true

	for _, sub := range orClassifier.Classifiers {
		switch d := sub.(type) {
		case *config.ClassifierDomain:
			if d.Op != config.ClassifierOpIs && d.Op != config.ClassifierOpEqual {
				allDomainsIsOrFile = false
			} else {
				domains = append(domains, d.Domain)
			}
		case *config.ClassifierDomainsFile:
			domainsFilePaths = append(domainsFilePaths, d.FilePath)
		default:
			allDomainsIsOrFile = false
		}
	}

	if !allDomainsIsOrFile || (len(domains) == 0 && len(domainsFilePaths) == 0) {
		return nil
	}

	var combinedFromFiles []string
	for _, filePath := range domainsFilePaths {
		fileClassifier, err := NewClassifierDomainsFile(filePath)
		if err != nil {
			logger.Error("failed to load domains file for optimization: %v (file: %s)", err, filePath)
			return nil
		}
		combinedFromFiles = append(combinedFromFiles, fileClassifier.DomainList...)
	}

	var fileClassifier *ClassifierOrDomainsFile
	if len(combinedFromFiles) > 0 {
		trie := ahocorasick.NewTrieBuilder().AddStrings(combinedFromFiles).Build()
		fileClassifier = &ClassifierOrDomainsFile{Trie: trie, DomainList: combinedFromFiles}
	}

	var isClassifier *ClassifierOrDomainsIs
	if len(domains) > 0 {
		trie := ahocorasick.NewTrieBuilder().AddStrings(domains).Build()
		isClassifier = &ClassifierOrDomainsIs{Trie: trie, DomainList: domains}
	}

	switch {
	case fileClassifier != nil && isClassifier != nil:
		return &ClassifierOr{Classifiers: []Classifier{fileClassifier, isClassifier}}
	case fileClassifier != nil:
		return fileClassifier
	default:
		return isClassifier
	}
}

// CompileClassifier compiles a config.Classifier into a runtime Classifier.
func CompileClassifier(classifier config.Classifier) (Classifier, error) {
	if classifier == nil {
		return nil, fmt.Errorf("nil classifier provided")
	}

	switch classifier.Type() {
	case config.ClassifierTypePort:
		c := classifier.(*config.ClassifierPort)
		return &ClassifierPort{Port: c.Port}, nil
	case config.ClassifierTypeAnd:
		cs, err := CompileClassifiers(classifier.(*config.ClassifierAnd).Classifiers)
		if err != nil {
			return nil, err
		}
		return &ClassifierAnd{Classifiers: cs}, nil
	case config.ClassifierTypeOr:
		orClassifier := classifier.(*config.ClassifierOr)
		if optimized := tryOptimizeOrClassifier(orClassifier); optimized != nil {
			return optimized, nil
		}
		cs, err := CompileClassifiers(orClassifier.Classifiers)
		if err != nil {
			return nil, err
		}
		return &ClassifierOr{Classifiers: cs}, nil
	case config.ClassifierTypeNot:
		c, err := CompileClassifier(classifier.(*config.ClassifierNot).Classifier)
		if err != nil {
			return nil, err
		}
		return &ClassifierNot{Classifier: c}, nil
	case config.ClassifierTypeDomain:
		d := classifier.(*config.ClassifierDomain)
		return CreateOpClassifier(d.Op, func(ClassifierInput) (string, error) { return d.Domain, nil })
	case config.ClassifierTypeIP:
		c := classifier.(*config.ClassifierIP)
		return &ClassifierIP{IP: c.IP}, nil
	case config.ClassifierTypeNetwork:
		c := classifier.(*config.ClassifierNetwork)
		return &ClassifierNetwork{CIDR: c.CIDR}, nil
	case config.ClassifierTypeRef:
		return &ClassifierRef{Id: classifier.(*config.ClassifierRef).Id, Classifiers: make(map[string]Classifier)}, nil
	case config.ClassifierTypeTrue:
		return &ClassifierTrue{}, nil
	case config.ClassifierTypeFalse:
		return &ClassifierFalse{}, nil
	case config.ClassifierTypeDomainsFile:
		d := classifier.(*config.ClassifierDomainsFile)
		return NewClassifierDomainsFile(d.FilePath)
	default:
		return nil, fmt.Errorf("unsupported classifier type: %v", classifier.Type())
	}
}

// CreateOpClassifier creates a classifier based on the comparison operation
// and the host-field getter; used for domain (and future field) matchers.
func CreateOpClassifier(op config.ClassifierOp, getfn func(input ClassifierInput) (string, error)) (Classifier, error) {
	switch op {
	case config.ClassifierOpEqual:
		return &ClassifierStrEq{Get: getfn}, nil
	case config.ClassifierOpNotEqual:
		return &ClassifierStrNotEq{Get: getfn}, nil
	case config.ClassifierOpContains:
		return &ClassifierStrContains{Get: getfn}, nil
	case config.ClassifierOpNotContains:
		return &ClassifierStrNotContains{Get: getfn}, nil
	case config.ClassifierOpIs:
		return &ClassifierStrIs{Get: getfn}, nil
	default:
		return nil, fmt.Errorf("unsupported classifier operation: %v", op)
	}
}

// CompileClassifiers compiles a slice of config.Classifier into runtime Classifiers.
func CompileClassifiers(classifiers []config.Classifier) ([]Classifier, error) {
	var result []Classifier
	for _, c := range classifiers {
		compiled, err := CompileClassifier(c)
		if err != nil {
			return nil, err
		}
		result = append(result, compiled)
	}
	return result, nil
}

// CompileClassifiersMap compiles a map of config.Classifier into runtime
// Classifiers, wiring up ClassifierRef targets once the whole map is compiled.
func CompileClassifiersMap(classifiers map[string]config.Classifier) (map[string]Classifier, error) {
	result := make(map[string]Classifier)
	for name, c := range classifiers {
		compiled, err := CompileClassifier(c)
		if err != nil {
			return nil, err
		}
		result[name] = compiled
	}
	for _, c := range result {
		if ref, ok := c.(*ClassifierRef); ok {
			ref.Classifiers = result
		}
	}
	return result, nil
}
