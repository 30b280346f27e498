package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

var (
	errBrowserClosed = errors.New("browser closed by user")
	errLoginCanceled = errors.New("user canceled operation")
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Automation owns the Chrome process and the single tab the run drives.
type Automation struct {
	config   *Config
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	log      *Logger
}

func NewAutomation(config *Config, log *Logger) *Automation {
	return &Automation{
		config: config,
		log:    log.With("browser"),
	}
}

func (a *Automation) Close() {
	fmt.Println(T("cleaning_up"))

	if a.page != nil {
		a.page.Close()
	}

	if a.browser != nil {
		a.browser.Close()
	}

	if a.launcher != nil {
		a.launcher.Cleanup()
	}

	fmt.Println(T("browser_destroyed"))
}

func (a *Automation) isBrowserAlive() bool {
	if a.browser == nil {
		return false
	}

	if _, err := a.browser.Version(); err != nil {
		a.log.Debugf("Browser version check failed: %v", err)
		return false
	}

	if a.page != nil {
		if _, err := a.page.Info(); err != nil {
			a.log.Debugf("Page info check failed: %v", err)
			return false
		}
	}

	return true
}

// watchBrowser returns errBrowserClosed once the user closes the window.
func (a *Automation) watchBrowser(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !a.isBrowserAlive() {
				fmt.Println(T("browser_closed_by_user"))
				return errBrowserClosed
			}
		}
	}
}

func (a *Automation) setupBrowser() error {
	fmt.Println(T("browser_launching"))

	// Leakless deadlocks on Windows, see go-rod/rod#853.
	useLeakless := runtime.GOOS != "windows"

	chromePath, chromeExists := launcher.LookPath()

	a.launcher = launcher.New().
		Leakless(useLeakless).
		Headless(a.config.Headless).
		Set("disable-blink-features", "AutomationControlled")

	// Must be set before Bin().
	if a.config.BrowserProfilePath != "" {
		a.launcher = a.launcher.UserDataDir(a.config.BrowserProfilePath)
		a.log.Debugf("%s", T("browser_profile_path_set", a.config.BrowserProfilePath))
	}

	if chromeExists {
		a.launcher = a.launcher.Bin(chromePath)
		fmt.Println(T("browser_using_system_chrome"))
		a.log.Debugf("%s", T("browser_chrome_path_set", chromePath))
	} else {
		fmt.Println(T("browser_chrome_not_found"))
	}

	url, err := a.launcher.Launch()
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Opening in existing browser session") ||
			strings.Contains(errMsg, "ProcessSingleton") ||
			strings.Contains(errMsg, "SingletonLock") {
			fmt.Println(T("error_chrome_already_running_header"))
			fmt.Println(T("error_chrome_close_all"))
			if runtime.GOOS == "darwin" {
				fmt.Println(T("error_chrome_mac_killall"))
			} else if runtime.GOOS == "windows" {
				fmt.Println(T("error_chrome_windows_task_manager"))
			}
			return errors.New(T("error_chrome_already_running"))
		}

		if strings.Contains(errMsg, "Access is denied") || strings.Contains(errMsg, "permission denied") {
			fmt.Println(T("error_browser_download_permission"))
			fmt.Println(T("error_browser_download_fix"))
			return fmt.Errorf(T("error_browser_setup_failed"), err)
		}

		return fmt.Errorf("failed to launch browser: %w", err)
	}

	a.browser = rod.New().ControlURL(url)
	if err := a.browser.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	a.page, err = stealth.Page(a.browser)
	if err != nil {
		return fmt.Errorf("failed to create stealth page: %w", err)
	}
	a.log.Debugf("Stealth mode enabled")

	if err := a.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		a.log.Debugf("Failed to set User-Agent: %v", err)
	}
	if a.config.ViewportWidth > 0 && a.config.ViewportHeight > 0 {
		err := a.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             a.config.ViewportWidth,
			Height:            a.config.ViewportHeight,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			a.log.Debugf("Failed to set viewport: %v", err)
		}
	}

	fmt.Println(T("browser_launched"))
	return nil
}

// waitForLogin opens the storefront and waits for Enter (continue) or Esc (quit).
func (a *Automation) waitForLogin(ctx context.Context, in io.Reader) error {
	fmt.Printf(T("loading_homepage")+"\n", a.config.BaseURL)

	pg := a.page.Context(ctx)
	if err := pg.Navigate(a.config.BaseURL); err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("page failed to load: %w", err)
	}

	if a.config.SkipLoginPrompt {
		return nil
	}

	fmt.Println()
	fmt.Println(T("login_required_header"))
	fmt.Println(T("login_instructions"))
	fmt.Print(T("login_prompt"))

	return readConfirmation(in)
}

func readConfirmation(in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		input, err := reader.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		if input == '\n' || input == '\r' {
			fmt.Println()
			fmt.Println(T("user_confirmed_ready"))
			return nil
		}

		if input == 27 {
			fmt.Println()
			fmt.Println(T("user_requested_exit"))
			return errLoginCanceled
		}
	}
}

// Page returns the rod-backed Page the controller drives.
func (a *Automation) Page() Page {
	return &rodPage{
		page:       a.page,
		navTimeout: ms(a.config.NavigationTimeoutMs),
		loadWait:   time.Duration(a.config.PageLoadTimeout) * time.Second,
		poll:       a.config.pollInterval(),
		log:        a.log,
	}
}

// rodPage implements Page on a go-rod tab.
type rodPage struct {
	page       *rod.Page
	navTimeout time.Duration
	loadWait   time.Duration
	poll       time.Duration
	log        *Logger
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => window.location.href`)
	if err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return res.Value.Str(), nil
}

func (p *rodPage) Navigate(ctx context.Context, address string) error {
	err := WithTimeout(ctx, p.navTimeout, func(ctx context.Context) error {
		return p.page.Context(ctx).Navigate(address)
	})
	if err != nil {
		return err
	}

	err = WithTimeout(ctx, p.loadWait, func(ctx context.Context) error {
		return p.page.Context(ctx).WaitLoad()
	})
	if err != nil {
		p.log.Debugf("wait load %s: %v", address, err)
	}
	return nil
}

func (p *rodPage) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := WithTimeout(ctx, p.navTimeout, func(ctx context.Context) error {
		res, err := p.page.Context(ctx).Eval(snapshotJS)
		if err != nil {
			return fmt.Errorf("failed to snapshot page: %w", err)
		}
		snap, err = ParseSnapshot([]byte(res.Value.Str()))
		return err
	})
	return snap, err
}

func (p *rodPage) Click(ctx context.Context, handle int) error {
	return WithTimeout(ctx, p.navTimeout, func(ctx context.Context) error {
		has, el, err := p.page.Context(ctx).Has(`[data-cf-id="` + strconv.Itoa(handle) + `"]`)
		if err != nil {
			return err
		}
		if !has {
			return fmt.Errorf("%w: #%d", ErrStaleHandle, handle)
		}

		if err := el.ScrollIntoView(); err != nil {
			p.log.Debugf("scroll #%d: %v", handle, err)
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			// Overlays and zero-size swatches refuse a real mouse click.
			p.log.Debugf("mouse click #%d failed, using DOM click: %v", handle, err)
			if _, jerr := el.Eval(`() => this.click()`); jerr != nil {
				return fmt.Errorf("failed to click #%d: %w", handle, jerr)
			}
		}
		return nil
	})
}

func (p *rodPage) ScrollToBottom(ctx context.Context) error {
	_, err := p.page.Context(ctx).Eval(`() => window.scrollTo(0, document.body.scrollHeight)`)
	return err
}

func (p *rodPage) WaitURLChange(ctx context.Context, from string, timeout time.Duration) (string, error) {
	var now string
	err := WaitUntil(ctx, timeout, p.poll, func(ctx context.Context) (bool, error) {
		u, err := p.URL(ctx)
		if err != nil {
			return false, err
		}
		now = u
		return u != from, nil
	})
	return now, err
}
