package tool

// RegisterBuiltins registers the standard tool set on a registry.
func RegisterBuiltins(r *Registry) error {
	tools := []*Tool{
		NewWebSearch().Tool(),
		NewReadFile(),
		NewWriteFile(),
		NewRunCommand(),
		NewHTTPRequest(),
		NewCalculate(),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
