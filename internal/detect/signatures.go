package detect

// BuiltinSignatures returns the built-in technique signature table.
// Prominent single-call indicators get their own signature so one
// confirmed sighting scores with full confidence; multi-indicator
// signatures scale confidence by coverage.
func BuiltinSignatures() []Signature {
	return []Signature{
		{
			TechniqueID: "T1055",
			Name:        "Process Injection",
			Indicators:  []string{"createremotethread"},
			Severity:    SeverityCritical,
		},
		{
			TechniqueID: "T1055.001",
			Name:        "Process Injection: DLL Injection",
			Indicators:  []string{"virtualallocex", "writeprocessmemory", "loadlibrary"},
			Severity:    SeverityHigh,
		},
		{
			TechniqueID: "T1003",
			Name:        "OS Credential Dumping",
			Indicators:  []string{"mimikatz", "sekurlsa", "lsass dump"},
			Severity:    SeverityCritical,
		},
		{
			TechniqueID: "T1059.001",
			Name:        "PowerShell Abuse",
			Indicators:  []string{"encodedcommand", "downloadstring", "invoke-expression", "bypass -nop"},
			Severity:    SeverityHigh,
		},
		{
			TechniqueID: "T1547.001",
			Name:        "Registry Run Key Persistence",
			Indicators:  []string{"currentversion\\run", "runonce"},
			Severity:    SeverityMedium,
		},
		{
			TechniqueID: "T1021.002",
			Name:        "Lateral Movement: SMB/Admin Shares",
			Indicators:  []string{"psexec", "admin$", "c$\\windows"},
			Severity:    SeverityHigh,
		},
		{
			TechniqueID: "T1053.005",
			Name:        "Scheduled Task Persistence",
			Indicators:  []string{"schtasks /create", "at.exe"},
			Severity:    SeverityMedium,
		},
		{
			TechniqueID: "T1486",
			Name:        "Data Encrypted for Impact",
			Indicators:  []string{"vssadmin delete shadows", "bcdedit /set", "cipher /w"},
			Severity:    SeverityCritical,
		},
		{
			TechniqueID: "T1071",
			Name:        "Application Layer C2",
			Indicators:  []string{"beacon", "callback interval", "jitter"},
			Severity:    SeverityLow,
		},
	}
}
